package biz

import (
	"context"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/tracing"
	"github.com/kart-io/docchat/pkg/llm"
)

// Retriever 将自由文本转换为索引检索结果。
type Retriever struct {
	embedder llm.EmbeddingProvider
	index    store.Index
	metrics  *metrics.Metrics
}

// NewRetriever 创建检索器。index 在会话进入 Ready 时已加载完成。
func NewRetriever(embedder llm.EmbeddingProvider, index store.Index, m *metrics.Metrics) *Retriever {
	return &Retriever{embedder: embedder, index: index, metrics: m}
}

// Retrieve 嵌入查询文本并返回 top-K 文档块，按分数降序。
//
// 嵌入失败、返回向量维度与索引不一致或向量库检索失败时返回 ErrEmbedding；k 非正返回 ErrInvalidTopK。
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) (_ []store.ScoredChunk, err error) {
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("top-k must be positive, got %d", k)
	}

	ctx, span := tracing.Start(ctx, "docchat.retrieve",
		attribute.Int("docchat.top_k", k),
		attribute.String("docchat.embedder", r.embedder.Name()),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()

	// 1. 嵌入查询
	vector, err := r.embedder.EmbedSingle(ctx, text)
	if err != nil {
		logger.Warnw("query embedding failed", "embedder", r.embedder.Name(), "error", err)
		return nil, errors.ErrEmbedding.WithCause(err)
	}

	// 2. 校验维度
	if err = r.checkDimension(vector); err != nil {
		return nil, err
	}

	// 3. 检索
	chunks, err := r.index.Query(ctx, vector, k)
	if err != nil {
		if errors.IsCode(err, errors.ErrInvalidTopK.Code) {
			return nil, err
		}
		// 向量库检索失败同样归为检索阶段的 ErrEmbedding，原始错误保留在 cause 中
		return nil, errors.ErrEmbedding.WithCause(err)
	}

	elapsed := time.Since(start)
	r.metrics.RecordRetrieval(elapsed, len(chunks))
	span.SetAttributes(attribute.Int("docchat.chunks", len(chunks)))
	logger.Debugw("retrieval finished", "top_k", k, "chunks", len(chunks), "elapsed", elapsed)

	return chunks, nil
}

// Probe 嵌入一段探测文本并校验维度，用于会话创建时提前发现嵌入服务故障。
func (r *Retriever) Probe(ctx context.Context) error {
	vector, err := r.embedder.EmbedSingle(ctx, "probe")
	if err != nil {
		return errors.ErrEmbedding.WithCause(err)
	}
	return r.checkDimension(vector)
}

func (r *Retriever) checkDimension(vector []float32) error {
	if dim := r.index.Dimension(); len(vector) == 0 || (dim > 0 && len(vector) != dim) {
		return errors.ErrEmbedding.
			WithMessagef("embedding provider returned a %d-dimensional vector, index expects %d", len(vector), dim).
			WithCause(store.ErrDimensionMismatch)
	}
	return nil
}
