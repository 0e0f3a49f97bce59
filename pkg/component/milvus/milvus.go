// Package milvus mirrors the document index into a Milvus collection.
package milvus

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kart-io/docchat/pkg/component"
	milvusopts "github.com/kart-io/docchat/pkg/options/milvus"
)

// Field names of the chunk collection.
const (
	FieldChunkID   = "chunk_id"
	FieldText      = "text"
	FieldSource    = "source"
	FieldEmbedding = "embedding"

	maxChunkIDLen = 256
	maxSourceLen  = 1024
	maxTextLen    = 65535
)

var _ component.Checker = (*Client)(nil)

// Client wraps the Milvus SDK client bound to one chunk collection.
type Client struct {
	client *milvusclient.Client
	opts   *milvusopts.Options
}

// Row is one chunk mirrored into the collection.
type Row struct {
	ChunkID   string
	Text      string
	Source    string
	Embedding []float32
}

// Hit is one search result; Score is cosine similarity.
type Hit struct {
	ChunkID string
	Text    string
	Source  string
	Score   float32
}

// New connects to Milvus.
func New(ctx context.Context, opts *milvusopts.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}
	if err := errors.Join(opts.Validate()...); err != nil {
		return nil, fmt.Errorf("invalid milvus options: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	return &Client{client: c, opts: opts}, nil
}

// Name implements component.Checker.
func (c *Client) Name() string {
	return "milvus"
}

// Ping verifies the server answers metadata requests.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(c.opts.Collection))
	return err
}

// Close closes the Milvus client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Collection returns the configured collection name.
func (c *Client) Collection() string {
	return c.opts.Collection
}

// EnsureCollection creates the chunk collection with a cosine IVF_FLAT index
// when it does not exist yet, then loads it.
func (c *Client) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	name := c.opts.Collection

	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		schema := entity.NewSchema().
			WithName(name).
			WithDescription("docchat index chunks").
			WithField(entity.NewField().
				WithName(FieldChunkID).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(maxChunkIDLen).
				WithIsPrimaryKey(true)).
			WithField(entity.NewField().
				WithName(FieldText).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(maxTextLen)).
			WithField(entity.NewField().
				WithName(FieldSource).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(maxSourceLen)).
			WithField(entity.NewField().
				WithName(FieldEmbedding).
				WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(dimension)))

		if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, schema)); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx := index.NewIvfFlatIndex(entity.COSINE, 128)
		task, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, FieldEmbedding, idx))
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		if err := task.Await(ctx); err != nil {
			return fmt.Errorf("failed to wait for index creation: %w", err)
		}
	}

	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

// Upsert writes rows keyed by chunk id and flushes them.
func (c *Client) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols, err := rowColumns(rows)
	if err != nil {
		return err
	}

	name := c.opts.Collection
	if _, err := c.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(name, cols...)); err != nil {
		return fmt.Errorf("failed to upsert %d rows: %w", len(rows), err)
	}

	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(name))
	if err != nil {
		return fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for flush: %w", err)
	}
	return nil
}

func rowColumns(rows []Row) ([]column.Column, error) {
	dim := len(rows[0].Embedding)
	ids := make([]string, len(rows))
	texts := make([]string, len(rows))
	sources := make([]string, len(rows))
	vectors := make([][]float32, len(rows))

	for i, r := range rows {
		if len(r.Embedding) != dim {
			return nil, fmt.Errorf("row %s has dimension %d, want %d", r.ChunkID, len(r.Embedding), dim)
		}
		if len(r.ChunkID) > maxChunkIDLen {
			return nil, fmt.Errorf("chunk id %q exceeds %d bytes", r.ChunkID, maxChunkIDLen)
		}
		ids[i] = r.ChunkID
		texts[i] = truncate(r.Text, maxTextLen)
		sources[i] = truncate(r.Source, maxSourceLen)
		vectors[i] = r.Embedding
	}

	return []column.Column{
		column.NewColumnVarChar(FieldChunkID, ids),
		column.NewColumnVarChar(FieldText, texts),
		column.NewColumnVarChar(FieldSource, sources),
		column.NewColumnFloatVector(FieldEmbedding, dim, vectors),
	}, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// Search returns the topK nearest chunks to vector.
func (c *Client) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	results, err := c.client.Search(ctx, milvusclient.NewSearchOption(
		c.opts.Collection,
		topK,
		[]entity.Vector{entity.FloatVector(vector)},
	).WithANNSField(FieldEmbedding).
		WithSearchParam("nprobe", "16").
		WithOutputFields(FieldText, FieldSource))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return []Hit{}, nil
	}

	rs := results[0]
	hits := make([]Hit, rs.ResultCount)
	if ids, ok := rs.IDs.(*column.ColumnVarChar); ok {
		for i := range hits {
			hits[i].ChunkID = ids.Data()[i]
		}
	}
	for i := range hits {
		hits[i].Score = rs.Scores[i]
	}
	for _, field := range rs.Fields {
		col, ok := field.(*column.ColumnVarChar)
		if !ok {
			continue
		}
		for i := range hits {
			switch col.Name() {
			case FieldText:
				hits[i].Text = col.Data()[i]
			case FieldSource:
				hits[i].Source = col.Data()[i]
			}
		}
	}
	return hits, nil
}

// Count returns the number of rows in the collection.
func (c *Client) Count(ctx context.Context) (int64, error) {
	stats, err := c.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(c.opts.Collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}

// Drop removes the collection.
func (c *Client) Drop(ctx context.Context) error {
	if err := c.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(c.opts.Collection)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}
