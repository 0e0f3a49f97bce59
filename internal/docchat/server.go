package docchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/internal/docchat/handler"
	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/provision"
	"github.com/kart-io/docchat/internal/docchat/router"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/component"
	"github.com/kart-io/docchat/pkg/component/milvus"
	"github.com/kart-io/docchat/pkg/component/redis"
	errs "github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/app"
	"github.com/kart-io/docchat/pkg/infra/pool"
	"github.com/kart-io/docchat/pkg/infra/tracing"
	"github.com/kart-io/docchat/pkg/llm"
	"github.com/kart-io/docchat/pkg/llm/resilience"
	"github.com/kart-io/docchat/pkg/utils/httpclient"

	// Register providers
	_ "github.com/kart-io/docchat/pkg/llm/gemini"
	_ "github.com/kart-io/docchat/pkg/llm/huggingface"
	_ "github.com/kart-io/docchat/pkg/llm/ollama"
)

// Server is the assembled docchat service.
type Server struct {
	opts     *Options
	http     *http.Server
	sessions *biz.Manager
	closers  []func(ctx context.Context)
}

// NewServer builds every component from opts. Components created before a
// failure are released before returning.
func NewServer(ctx context.Context, opts *Options) (_ *Server, err error) {
	s := &Server{opts: opts}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	// 1. 初始化日志
	if _, err := opts.Log.Init(appName, app.GetVersion()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infow("Starting docchat service",
		"version", app.GetVersion(),
		"embedding", opts.Embedding.Provider,
		"chat", opts.Chat.Provider,
	)

	// 2. 初始化链路追踪
	tp, err := tracing.NewProvider(ctx, opts.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.onClose(func(ctx context.Context) { _ = tp.Shutdown(ctx) })

	// 3. 初始化协程池
	decodeCfg := pool.DecodePoolConfig()
	if opts.Index.DecodeWorkers > 0 {
		decodeCfg.Capacity = opts.Index.DecodeWorkers
	}
	decodePool, err := pool.New("index-decode", decodeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode pool: %w", err)
	}
	s.onClose(func(context.Context) { decodePool.Release() })

	bgPool, err := pool.New("background", pool.BackgroundPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create background pool: %w", err)
	}
	s.onClose(func(context.Context) { _ = bgPool.ReleaseTimeout(5 * time.Second) })

	// 4. 准备索引目录
	root, err := provision.New(opts.Provision.Config(opts.Index.Root),
		httpclient.NewClient(opts.Provision.Timeout, 0)).Ensure(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	var checkers []component.Checker

	// 5. 初始化 LLM 供应商
	embedder, err := newEmbedder(opts)
	if err != nil {
		return nil, err
	}

	// 6. 初始化 Redis 嵌入缓存
	if opts.Cache.Enabled {
		rc, err := redis.NewWithContext(ctx, opts.Cache.Redis)
		if err != nil {
			logger.Warnw("failed to connect to redis, embedding cache disabled", "error", err.Error())
		} else {
			s.onClose(func(context.Context) { _ = rc.Close() })
			cached := llm.NewCachedEmbeddingProvider(embedder, rc.Client(), &llm.EmbeddingCacheConfig{
				Enabled:   true,
				TTL:       opts.Cache.TTL,
				KeyPrefix: opts.Cache.KeyPrefix + opts.Embedding.Model + ":",
			})
			m.SetCacheSource(func() (int64, int64) {
				st := cached.Stats()
				return st.Hits, st.Misses
			})
			embedder = cached
			checkers = append(checkers, rc)
			logger.Infow("Embedding cache initialized", "addr", opts.Cache.Redis.Addr(), "ttl", opts.Cache.TTL)
		}
	}

	// 7. 初始化索引句柄
	var loader store.Loader = func(ctx context.Context) (store.Index, error) {
		idx, err := store.LoadDir(ctx, root, store.WithPool(decodePool))
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	if opts.Index.Backend == BackendMilvus {
		mc, err := milvus.New(ctx, opts.Milvus)
		if err != nil {
			return nil, errs.ErrVectorDB.WithCause(err)
		}
		s.onClose(func(ctx context.Context) { _ = mc.Close(ctx) })
		checkers = append(checkers, mc)
		loader = milvusLoader(mc, embedder)
	}
	index := store.NewHandle(loader)

	if opts.Index.Preload {
		start := time.Now()
		idx, err := index.Load(ctx)
		m.RecordIndexLoad(err)
		if err != nil {
			logger.Warnw("index preload failed, sessions will retry", "root", root, "error", err.Error())
		} else {
			st := idx.Stats()
			logger.Infow("Index loaded",
				"backend", st.Backend,
				"chunks", st.Chunks,
				"documents", st.Documents,
				"dimension", st.Dimension,
				"duration", time.Since(start).String(),
			)
		}
	}

	// 8. 初始化会话管理
	composer, err := biz.NewComposer(opts.Session.InstructionTemplate)
	if err != nil {
		return nil, err
	}
	s.sessions = biz.NewManager(biz.ManagerConfig{
		Session: biz.SessionConfig{
			SystemPrompt:      opts.Session.SystemPrompt,
			TopK:              opts.Session.TopK,
			GenerationTimeout: opts.Session.GenerationTimeout,
			ProbeEmbedding:    opts.Index.ProbeEmbedding,
			ExcerptRunes:      opts.Session.ExcerptRunes,
		},
		MaxSessions:   opts.Session.MaxSessions,
		IdleTTL:       opts.Session.IdleTTL,
		DefaultAPIKey: opts.Chat.APIKey,
	}, biz.ManagerDeps{
		Index:    index,
		Embedder: embedder,
		Chat:     chatFactory(opts),
		Composer: composer,
		Metrics:  m,
		Pool:     bgPool,
	})
	s.sessions.Start(ctx)
	s.onClose(func(context.Context) { s.sessions.Shutdown() })

	// 9. 初始化 Handler 与路由
	h := handler.New(handler.Config{SubmitTimeout: opts.Session.SubmitTimeout}, s.sessions, index, m, checkers...)
	engine := router.New(router.Config{
		Mode:         opts.HTTP.Mode,
		MaxBodyBytes: opts.HTTP.MaxBodyBytes,
		Tracing:      opts.Tracing.Enabled,
	}, h)

	s.http = &http.Server{
		Addr:              opts.HTTP.Addr,
		Handler:           engine,
		ReadTimeout:       opts.HTTP.ReadTimeout,
		ReadHeaderTimeout: opts.HTTP.ReadTimeout,
		WriteTimeout:      opts.HTTP.WriteTimeout,
		IdleTimeout:       opts.HTTP.IdleTimeout,
	}

	logger.Infow("docchat service is ready", "addr", opts.HTTP.Addr, "index.root", root)
	return s, nil
}

// Run serves HTTP until ctx is cancelled or a termination signal arrives,
// then drains connections and releases every component.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down docchat service...")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown did not complete", "error", err.Error())
	}
	s.release(shutdownCtx)
	logger.Info("docchat service stopped")
	return runErr
}

func (s *Server) onClose(fn func(ctx context.Context)) {
	s.closers = append(s.closers, fn)
}

// release runs closers in reverse creation order.
func (s *Server) release(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}

// newEmbedder builds the shared embedding provider, wrapped with retry and
// circuit breaking when enabled.
func newEmbedder(opts *Options) (llm.EmbeddingProvider, error) {
	p, err := llm.NewEmbeddingProvider(opts.Embedding.Provider, opts.Embedding.ToConfigMap(""))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	logger.Infow("Embedding provider initialized",
		"provider", opts.Embedding.Provider,
		"model", opts.Embedding.Model,
		"retry", opts.Retry.Enabled,
	)
	if !opts.Retry.Enabled {
		return p, nil
	}
	return resilience.NewResilientEmbeddingProvider(p, opts.Retry.RetryConfig(), opts.Retry.BreakerConfig()), nil
}

// chatFactory builds one chat provider per session credential.
func chatFactory(opts *Options) biz.ChatFactory {
	return func(apiKey string) (llm.ChatProvider, error) {
		p, err := llm.NewChatProvider(opts.Chat.Provider, opts.Chat.ToConfigMap(apiKey))
		if err != nil {
			return nil, err
		}
		if !opts.Retry.Enabled {
			return p, nil
		}
		return resilience.NewResilientChatProvider(p, opts.Retry.RetryConfig(), opts.Retry.BreakerConfig()), nil
	}
}

// milvusLoader serves queries from the Milvus mirror. The vector dimension is
// taken from the embedding provider since the collection may not exist yet.
func milvusLoader(mc *milvus.Client, embedder llm.EmbeddingProvider) store.Loader {
	return func(ctx context.Context) (store.Index, error) {
		probe, err := embedder.EmbedSingle(ctx, "dimension probe")
		if err != nil {
			return nil, errs.ErrEmbedding.WithMessage("failed to detect embedding dimension").WithCause(err)
		}
		return store.NewMilvusIndex(ctx, mc, len(probe))
	}
}
