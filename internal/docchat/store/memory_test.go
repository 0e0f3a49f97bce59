package store

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/docchat/pkg/errors"
)

func decreeChunks() []Chunk {
	return []Chunk{
		{ID: "A", Text: "Decree 12 sets leave at 14 days", Source: "SK-12.pdf", Embedding: []float32{1, 0.2, 0}},
		{ID: "B", Text: "Decree 12 sets overtime pay at 1.5x", Source: "SK-12.pdf", Embedding: []float32{0.9, 0.4, 0}},
		{ID: "C", Text: "Cafeteria opening hours", Source: "memo.pdf", Embedding: []float32{0, 0, 1}},
	}
}

func TestMemoryIndexScenario(t *testing.T) {
	idx, err := NewMemoryIndex(decreeChunks())
	require.NoError(t, err)

	got, err := idx.Query(context.Background(), []float32{1, 0.3, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{"A", "B"}, ids)
	assert.NotContains(t, ids, "C")
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestMemoryIndexQueryBounds(t *testing.T) {
	idx, err := NewMemoryIndex(decreeChunks())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("k larger than store returns all", func(t *testing.T) {
		got, err := idx.Query(ctx, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("non positive k", func(t *testing.T) {
		for _, k := range []int{0, -1} {
			_, err := idx.Query(ctx, []float32{1, 0, 0}, k)
			assert.ErrorIs(t, err, errors.ErrInvalidTopK)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := idx.Query(ctx, []float32{1, 0}, 1)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := idx.Query(cctx, []float32{1, 0, 0}, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryIndexEmpty(t *testing.T) {
	idx, err := NewMemoryIndex(nil)
	require.NoError(t, err)

	for _, k := range []int{1, 5, 100} {
		got, err := idx.Query(context.Background(), []float32{1, 2, 3}, k)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, 0, idx.Dimension())
}

func TestNewMemoryIndexRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		chunks []Chunk
		want   string
	}{
		{"duplicate id", []Chunk{{ID: "x", Embedding: []float32{1}}, {ID: "x", Embedding: []float32{1}}}, "duplicate"},
		{"empty id", []Chunk{{Embedding: []float32{1}}}, "empty id"},
		{"empty vector", []Chunk{{ID: "x"}}, "empty embedding"},
		{"mixed dimension", []Chunk{{ID: "a", Embedding: []float32{1}}, {ID: "b", Embedding: []float32{1, 2}}}, "dimension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemoryIndex(tt.chunks)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

// randomChunks returns n chunks with random vectors from a fixed seed.
func randomChunks(n, dim int, seed int64) []Chunk {
	r := rand.New(rand.NewSource(seed))
	out := make([]Chunk, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		out[i] = Chunk{
			ID:        string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Text:      "chunk",
			Source:    "doc.pdf",
			Embedding: v,
		}
	}
	return out
}

func TestMemoryIndexMatchesBruteForce(t *testing.T) {
	chunks := randomChunks(200, 16, 7)
	idx, err := NewMemoryIndex(chunks)
	require.NoError(t, err)

	query := randomChunks(1, 16, 99)[0].Embedding
	type scored struct {
		id    string
		score float32
	}
	brute := make([]scored, len(chunks))
	for i, c := range chunks {
		brute[i] = scored{c.ID, Cosine(query, c.Embedding)}
	}
	sort.Slice(brute, func(i, j int) bool {
		if brute[i].score != brute[j].score {
			return brute[i].score > brute[j].score
		}
		return brute[i].id < brute[j].id
	})

	for _, k := range []int{1, 5, 15, 200} {
		got, err := idx.Query(context.Background(), query, k)
		require.NoError(t, err)
		require.Len(t, got, k)
		for i := range got {
			assert.Equal(t, brute[i].id, got[i].ID, "k=%d rank=%d", k, i)
			assert.InDelta(t, brute[i].score, got[i].Score, 1e-5)
			if i > 0 {
				assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
			}
		}
	}
}

func TestMemoryIndexDeterministicTies(t *testing.T) {
	chunks := []Chunk{
		{ID: "z", Embedding: []float32{1, 0}},
		{ID: "m", Embedding: []float32{1, 0}},
		{ID: "a", Embedding: []float32{1, 0}},
	}
	idx, err := NewMemoryIndex(chunks)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := idx.Query(context.Background(), []float32{2, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "m", got[1].ID)
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 1}, []float32{2, 2}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 1}))
}
