package biz

import (
	"context"
	"sync"
	"testing"

	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/llm"
)

var (
	_ llm.EmbeddingProvider = (*mockEmbedder)(nil)
	_ llm.ChatProvider      = (*mockChat)(nil)
	_ Generator             = (*mockGenerator)(nil)
)

type mockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	def     []float32
	err     error
	calls   int
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := m.EmbedSingle(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *mockEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return m.def, nil
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

type mockChat struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, msgs []llm.Message) (string, error)
	received [][]llm.Message
}

func (m *mockChat) Chat(ctx context.Context, msgs []llm.Message) (string, error) {
	m.mu.Lock()
	m.received = append(m.received, msgs)
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, msgs)
}

func (m *mockChat) Name() string { return "mock-chat" }

func (m *mockChat) last() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.received) == 0 {
		return nil
	}
	return m.received[len(m.received)-1]
}

type mockGenerator struct {
	fn func(ctx context.Context, req *GenerationRequest) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, req *GenerationRequest) (string, error) {
	return m.fn(ctx, req)
}

func decreeChunks() []store.Chunk {
	return []store.Chunk{
		{ID: "A", Text: "Decree 12 sets leave at 14 days", Source: "SK-12.pdf", Embedding: []float32{1, 0.2, 0}},
		{ID: "B", Text: "Decree 12 sets overtime pay at 1.5x", Source: "SK-12.pdf", Embedding: []float32{0.9, 0.4, 0}},
		{ID: "C", Text: "Cafeteria opening hours", Source: "memo.pdf", Embedding: []float32{0, 0, 1}},
	}
}

func decreeIndex(t testing.TB) *store.MemoryIndex {
	t.Helper()
	idx, err := store.NewMemoryIndex(decreeChunks())
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	return idx
}

func leaveEmbedder() *mockEmbedder {
	return &mockEmbedder{
		vectors: map[string][]float32{
			"leave policy":              {1, 0.3, 0},
			"What is the leave policy?": {1, 0.3, 0},
		},
		def: []float32{0.5, 0.5, 0.5},
	}
}
