package store

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/pkg/component/milvus"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/pool"
)

// VectorCollection Milvus 集合的最小操作集合，便于测试替换。
type VectorCollection interface {
	EnsureCollection(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, rows []milvus.Row) error
	Search(ctx context.Context, vector []float32, topK int) ([]milvus.Hit, error)
	Count(ctx context.Context) (int64, error)
	Collection() string
}

var _ VectorCollection = (*milvus.Client)(nil)

var _ Index = (*MilvusIndex)(nil)

// MilvusIndex 从 Milvus 镜像集合检索。集合由 Sync 写入。
type MilvusIndex struct {
	coll      VectorCollection
	dimension int
	chunks    atomic.Int64
}

// NewMilvusIndex 创建 Milvus 检索后端，dimension 为嵌入向量维度。
func NewMilvusIndex(ctx context.Context, coll VectorCollection, dimension int) (*MilvusIndex, error) {
	if err := coll.EnsureCollection(ctx, dimension); err != nil {
		return nil, errors.ErrVectorDB.WithCause(err)
	}
	m := &MilvusIndex{coll: coll, dimension: dimension}
	n, err := coll.Count(ctx)
	if err != nil {
		return nil, errors.ErrVectorDB.WithCause(err)
	}
	m.chunks.Store(n)
	return m, nil
}

// Query 执行向量检索。Milvus COSINE 度量返回相似度，结果再按分数降序、ID 升序稳定排序。
func (m *MilvusIndex) Query(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("top-k must be a positive integer, got %d", k)
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vector), m.dimension)
	}

	hits, err := m.coll.Search(ctx, vector, k)
	if err != nil {
		return nil, errors.ErrVectorDB.WithCause(err)
	}

	out := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredChunk{
			Chunk: Chunk{ID: h.ChunkID, Text: h.Text, Source: h.Source},
			Score: h.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Dimension 返回向量维度。
func (m *MilvusIndex) Dimension() int {
	return m.dimension
}

// Stats 返回统计信息。
func (m *MilvusIndex) Stats() Stats {
	return Stats{
		Backend:   "milvus",
		IndexID:   m.coll.Collection(),
		Chunks:    int(m.chunks.Load()),
		Dimension: m.dimension,
	}
}

// SyncResult 同步结果。
type SyncResult struct {
	Collection string `json:"collection"`
	Chunks     int    `json:"chunks"`
	Batches    int    `json:"batches"`
}

// Sync 将内存索引中的全部文档块按批次写入 Milvus 集合。
// 给定 p 时批次在协程池中并行写入，任一批次失败即停止。
func Sync(ctx context.Context, idx *MemoryIndex, coll VectorCollection, batchSize int, p *pool.Pool) (*SyncResult, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if err := coll.EnsureCollection(ctx, idx.Dimension()); err != nil {
		return nil, errors.ErrVectorDB.WithCause(err)
	}

	chunks := idx.Chunks()
	var batches [][]milvus.Row
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		rows := make([]milvus.Row, 0, end-start)
		for _, c := range chunks[start:end] {
			rows = append(rows, milvus.Row{
				ChunkID:   c.ID,
				Text:      c.Text,
				Source:    c.Source,
				Embedding: c.Embedding,
			})
		}
		batches = append(batches, rows)
	}

	write := func(ctx context.Context, n int, rows []milvus.Row) error {
		if err := coll.Upsert(ctx, rows); err != nil {
			return errors.ErrVectorDB.WithMessagef("batch %d failed", n).WithCause(err)
		}
		logger.Debugw("milvus batch written", "collection", coll.Collection(), "batch", n, "rows", len(rows))
		return nil
	}

	if p != nil {
		g := p.NewGroup(ctx)
		for i, rows := range batches {
			g.Go(func(ctx context.Context) error { return write(ctx, i, rows) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, rows := range batches {
			if err := write(ctx, i, rows); err != nil {
				return nil, err
			}
		}
	}

	res := &SyncResult{Collection: coll.Collection(), Chunks: len(chunks), Batches: len(batches)}
	logger.Infow("index mirrored to milvus", "collection", res.Collection, "chunks", res.Chunks, "batches", res.Batches)
	return res, nil
}
