package store

import (
	"context"
	"errors"
)

// ErrDimensionMismatch 查询向量维度与索引不一致。
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Chunk 表示索引中的一个文档块，加载后只读。
type Chunk struct {
	// ID 文档块唯一 ID。
	ID string `json:"id"`
	// Text 原始文本。
	Text string `json:"text"`
	// Source 来源文档标识（文件名或 SK 编号）。
	Source string `json:"source"`
	// RefDocID 所属原始文档 ID。
	RefDocID string `json:"ref_doc_id,omitempty"`
	// Metadata 构建索引时写入的元数据。
	Metadata map[string]any `json:"metadata,omitempty"`
	// Embedding 嵌入向量。
	Embedding []float32 `json:"-"`
}

// ScoredChunk 检索结果：文档块与相似度分数。
type ScoredChunk struct {
	Chunk
	// Score 余弦相似度，越大越相关。
	Score float32 `json:"score"`
}

// Stats 索引统计信息。
type Stats struct {
	Backend   string `json:"backend"`
	IndexID   string `json:"index_id,omitempty"`
	Root      string `json:"root,omitempty"`
	Chunks    int    `json:"chunks"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
}

// Index 只读相似度检索接口，必须支持并发调用。
type Index interface {
	// Query 返回与 vector 最相似的至多 k 个文档块，按分数降序排列。
	// k 必须为正整数。
	Query(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)
	// Dimension 返回索引向量维度，空索引返回 0。
	Dimension() int
	// Stats 返回统计信息。
	Stats() Stats
}
