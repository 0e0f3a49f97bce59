package milvus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowColumns(t *testing.T) {
	cols, err := rowColumns([]Row{
		{ChunkID: "a", Text: "alpha", Source: "sk-1.pdf", Embedding: []float32{1, 0}},
		{ChunkID: "b", Text: "beta", Source: "sk-2.pdf", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, FieldChunkID, cols[0].Name())
	assert.Equal(t, FieldEmbedding, cols[3].Name())
	assert.Equal(t, 2, cols[0].Len())
}

func TestRowColumnsDimensionMismatch(t *testing.T) {
	_, err := rowColumns([]Row{
		{ChunkID: "a", Embedding: []float32{1, 0}},
		{ChunkID: "b", Embedding: []float32{1}},
	})
	assert.ErrorContains(t, err, "dimension")
}

func TestTruncateKeepsUTF8(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	// "é" is two bytes; cutting at 2 must not split it.
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "aé", truncate("aéz", 3))
}
