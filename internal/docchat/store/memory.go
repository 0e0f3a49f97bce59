package store

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kart-io/docchat/pkg/errors"
)

var _ Index = (*MemoryIndex)(nil)

// MemoryIndex 内存中的精确余弦检索。向量在构建时预先归一化。
type MemoryIndex struct {
	chunks    []Chunk
	unit      [][]float32
	dimension int
	documents int
	indexID   string
	root      string
}

// NewMemoryIndex 校验并构建内存索引。
// 文档块 ID 必须唯一，所有向量维度一致且非空。
func NewMemoryIndex(chunks []Chunk) (*MemoryIndex, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m := &MemoryIndex{
		chunks: sorted,
		unit:   make([][]float32, len(sorted)),
	}

	docs := make(map[string]struct{})
	for i := range sorted {
		c := &sorted[i]
		if c.ID == "" {
			return nil, fmt.Errorf("chunk at position %d has empty id", i)
		}
		if i > 0 && sorted[i-1].ID == c.ID {
			return nil, fmt.Errorf("duplicate chunk id %q", c.ID)
		}
		if len(c.Embedding) == 0 {
			return nil, fmt.Errorf("chunk %q has an empty embedding", c.ID)
		}
		if m.dimension == 0 {
			m.dimension = len(c.Embedding)
		} else if len(c.Embedding) != m.dimension {
			return nil, fmt.Errorf("chunk %q has dimension %d, want %d", c.ID, len(c.Embedding), m.dimension)
		}
		m.unit[i] = normalize(c.Embedding)

		doc := c.RefDocID
		if doc == "" {
			doc = c.Source
		}
		if doc != "" {
			docs[doc] = struct{}{}
		}
	}
	m.documents = len(docs)
	return m, nil
}

// Len 返回文档块数量。
func (m *MemoryIndex) Len() int {
	return len(m.chunks)
}

// Chunks 返回按 ID 排序的全部文档块，调用方不得修改。
func (m *MemoryIndex) Chunks() []Chunk {
	return m.chunks
}

// Dimension 返回向量维度。
func (m *MemoryIndex) Dimension() int {
	return m.dimension
}

// Stats 返回统计信息。
func (m *MemoryIndex) Stats() Stats {
	return Stats{
		Backend:   "memory",
		IndexID:   m.indexID,
		Root:      m.root,
		Chunks:    len(m.chunks),
		Documents: m.documents,
		Dimension: m.dimension,
	}
}

// Query 计算余弦相似度并返回前 k 个结果。分数相同时按 ID 升序，保证结果确定。
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("top-k must be a positive integer, got %d", k)
	}
	if len(m.chunks) == 0 {
		return []ScoredChunk{}, nil
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vector), m.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := normalize(vector)
	h := make(minHeap, 0, min(k, len(m.chunks)))
	for i, u := range m.unit {
		s := hit{idx: i, score: dot(q, u), id: m.chunks[i].ID}
		if len(h) < k {
			heap.Push(&h, s)
			continue
		}
		if s.better(h[0]) {
			h[0] = s
			heap.Fix(&h, 0)
		}
	}

	out := make([]ScoredChunk, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		s := heap.Pop(&h).(hit)
		out[i] = ScoredChunk{Chunk: m.chunks[s.idx], Score: s.score}
	}
	return out, nil
}

type hit struct {
	idx   int
	score float32
	id    string
}

// better 分数高者优先，分数相同时 ID 小者优先。
func (a hit) better(b hit) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.id < b.id
}

// minHeap 堆顶是当前 k 个结果中最差的一个。
type minHeap []hit

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(hit)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// normalize 返回单位向量；零向量原样返回（相似度恒为 0）。
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}

// Cosine 计算两个向量的余弦相似度，维度不同或含零向量时返回 0。
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	return dot(normalize(a), normalize(b))
}
