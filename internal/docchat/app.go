// Package docchat assembles the document question answering service.
package docchat

import (
	"context"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"github.com/spf13/cobra"

	"github.com/kart-io/docchat/internal/docchat/provision"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/component/milvus"
	"github.com/kart-io/docchat/pkg/infra/app"
	"github.com/kart-io/docchat/pkg/infra/pool"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
	"github.com/kart-io/docchat/pkg/utils/json"
)

const (
	appName        = "docchat"
	appDescription = `DocChat Service

A retrieval-augmented assistant answering questions over a persisted
document index.

This server provides:
  - Chat sessions grounded on the top-K most similar document chunks
  - Streaming answers with per-stage status events
  - Index provisioning from a remote archive and an optional Milvus mirror`
)

// NewApp creates the docchat command with its index subcommands.
func NewApp() *app.App {
	opts := NewOptions()

	return app.NewApp(
		app.WithName(appName),
		app.WithShortDescription("Document question answering service"),
		app.WithDescription(appDescription),
		app.WithOptions(opts),
		app.WithCommands(newIndexCommand(opts)),
		app.WithRunFunc(func(cmd *cobra.Command) error {
			return Run(cmd.Context(), opts)
		}),
	)
}

// Run runs the docchat service with the given options.
func Run(ctx context.Context, opts *Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printBanner(opts)

	srv, err := NewServer(ctx, opts)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func newIndexCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the persisted index or mirror it into Milvus",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print statistics of the persisted index",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				idx, err := loadLocalIndex(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(idx.Stats())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Upsert every chunk of the persisted index into the Milvus collection",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return syncIndex(cmd, opts)
			},
		},
	)
	return cmd
}

func syncIndex(cmd *cobra.Command, opts *Options) error {
	ctx := cmd.Context()
	if errs := opts.Milvus.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid milvus options: %v", errs)
	}
	idx, err := loadLocalIndex(ctx, opts)
	if err != nil {
		return err
	}

	client, err := milvus.New(ctx, opts.Milvus)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	p, err := pool.New("index-sync", pool.DecodePoolConfig())
	if err != nil {
		return err
	}
	defer p.Release()

	start := time.Now()
	res, err := store.Sync(ctx, idx, client, opts.Milvus.BatchSize, p)
	if err != nil {
		return fmt.Errorf("sync to milvus: %w", err)
	}
	logger.Infow("Index synced",
		"collection", res.Collection,
		"chunks", res.Chunks,
		"batches", res.Batches,
		"duration", time.Since(start).String(),
	)
	return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
}

// loadLocalIndex provisions the index root when configured and loads it into memory.
func loadLocalIndex(ctx context.Context, opts *Options) (*store.MemoryIndex, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := opts.Log.Init(appName, app.GetVersion()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	root, err := provision.New(opts.Provision.Config(opts.Index.Root),
		httpclient.NewClient(opts.Provision.Timeout, 0)).Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return store.LoadDir(ctx, root)
}

func printBanner(opts *Options) {
	fmt.Printf("Starting %s...\n", appName)
	fmt.Printf("  Index: %s (%s)\n", opts.Index.Root, opts.Index.Backend)
	fmt.Printf("  Embedding: %s (%s)\n", opts.Embedding.Provider, opts.Embedding.Model)
	fmt.Printf("  Chat: %s (%s)\n", opts.Chat.Provider, opts.Chat.Model)
	fmt.Printf("  Top-K: %d\n", opts.Session.TopK)
}
