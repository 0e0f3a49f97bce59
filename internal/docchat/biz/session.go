package biz

import (
	"context"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/tracing"
	"github.com/kart-io/docchat/pkg/llm"
)

// State 会话状态。
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateAwaitingResponse
	StateClosed
)

// String 返回状态名称。
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText 以名称形式序列化状态。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status 提交过程中的阶段通知。
type Status string

const (
	StatusRetrieving Status = "retrieving"
	StatusGenerating Status = "generating"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// StatusFunc 接收阶段通知，在提交所在 goroutine 中同步调用。
type StatusFunc func(Status)

// Turn 一条对话轮次。
type Turn struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Ordinal   int       `json:"ordinal"`
	CreatedAt time.Time `json:"created_at"`
}

// Source 答案引用的来源文档块。
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float32 `json:"score"`
	Excerpt string  `json:"excerpt,omitempty"`
}

// Answer 一次成功提交的结果。
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
	Turn    Turn     `json:"turn"`
}

// SessionConfig 会话配置，进入 Ready 后不可修改。
type SessionConfig struct {
	// SystemPrompt 系统提示词。
	SystemPrompt string
	// TopK 每轮检索数量。
	TopK int
	// GenerationTimeout 单次生成超时，0 表示不限制。
	GenerationTimeout time.Duration
	// ProbeEmbedding 为 true 时在初始化阶段探测嵌入服务。
	ProbeEmbedding bool
	// ExcerptRunes 来源摘录的最大字符数，0 表示不返回摘录。
	ExcerptRunes int
}

// SessionDeps 会话依赖。Index 为进程内共享的只读索引句柄。
type SessionDeps struct {
	Index    *store.Handle
	Embedder llm.EmbeddingProvider
	Composer *Composer
	Metrics  *metrics.Metrics
}

// Connector 为会话建立生成器，凭据缺失时返回 llm.ErrMissingAPIKey。
type Connector func() (Generator, error)

// Session 单个用户的对话会话。
// 同一会话同一时刻只处理一个提交，并发提交直接返回 ErrInvalidState。
type Session struct {
	id   string
	cfg  SessionConfig
	deps SessionDeps
	now  func() time.Time

	mu         sync.Mutex
	state      State
	turns      []Turn
	retriever  *Retriever
	generator  Generator
	cancel     context.CancelFunc
	createdAt  time.Time
	lastActive time.Time
}

// NewSession 创建处于 Uninitialized 状态的会话。
func NewSession(id string, cfg SessionConfig, deps SessionDeps) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		now:        time.Now,
		state:      StateUninitialized,
		createdAt:  now,
		lastActive: now,
	}
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.id }

// Config 返回会话配置。
func (s *Session) Config() SessionConfig { return s.cfg }

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init 加载索引并建立生成器，成功后进入 Ready。
// 索引加载失败原样返回（ErrIndexNotFound / ErrIndexCorrupt），凭据或配置缺失返回
// ErrPrecondition；任一失败会话保持 Uninitialized。
func (s *Session) Init(ctx context.Context, connect Connector) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return errors.ErrInvalidState.WithMessagef("session %s cannot be initialized in state %s", s.id, state)
	}
	s.mu.Unlock()

	// 1. 校验固定配置
	if s.cfg.TopK <= 0 {
		return errors.ErrPrecondition.WithCause(errors.ErrInvalidTopK.WithMessagef("top-k must be positive, got %d", s.cfg.TopK))
	}
	if s.deps.Index == nil || s.deps.Embedder == nil || s.deps.Composer == nil {
		return errors.ErrPrecondition.WithMessage("session dependencies are not configured")
	}

	// 2. 建立生成器（凭据校验）
	if connect == nil {
		return errors.ErrPrecondition.WithMessage("no LLM provider configured")
	}
	gen, err := connect()
	if err != nil {
		if errors.IsCode(err, errors.ErrPrecondition.Code) {
			return err
		}
		return errors.ErrPrecondition.WithCause(err)
	}

	// 3. 加载共享索引
	idx, err := s.deps.Index.Load(ctx)
	if err != nil {
		return err
	}
	retriever := NewRetriever(s.deps.Embedder, idx, s.deps.Metrics)

	// 4. 可选：探测嵌入服务
	if s.cfg.ProbeEmbedding {
		if err := retriever.Probe(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return errors.ErrInvalidState.WithMessagef("session %s changed state to %s during initialization", s.id, s.state)
	}
	s.retriever = retriever
	s.generator = gen
	s.state = StateReady
	s.lastActive = s.now()
	logger.Infow("session ready", "session_id", s.id, "top_k", s.cfg.TopK, "index_chunks", idx.Stats().Chunks)
	return nil
}

// Submit 提交一个问题并等待答案。
//
// 用户轮次在检索前追加；失败时不追加助手轮次并回到 Ready。
// ctx 取消会中止进行中的 LLM 调用。
func (s *Session) Submit(ctx context.Context, query string, onStatus StatusFunc) (_ *Answer, err error) {
	notify := func(st Status) {
		if onStatus != nil {
			onStatus(st)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. 状态检查并追加用户轮次
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateAwaitingResponse:
		s.mu.Unlock()
		return nil, s.reject(errors.ErrInvalidState.WithMessagef("session %s is already processing a query", s.id))
	default:
		state := s.state
		s.mu.Unlock()
		return nil, s.reject(errors.ErrInvalidState.WithMessagef("submit is not allowed in state %s", state))
	}
	history := make([]Turn, len(s.turns))
	copy(history, s.turns)
	s.appendTurnLocked(llm.RoleUser, query)
	s.state = StateAwaitingResponse
	s.cancel = cancel
	retriever, generator := s.retriever, s.generator
	s.mu.Unlock()

	ctx, span := tracing.Start(ctx, "docchat.session.submit",
		attribute.String("docchat.session_id", s.id),
		attribute.Int("docchat.turn", len(history)+1),
	)
	defer func() {
		tracing.End(span, err)
		s.deps.Metrics.RecordSubmit(err)
		if err != nil {
			notify(StatusFailed)
		}
	}()

	// 2. 检索
	notify(StatusRetrieving)
	chunks, err := retriever.Retrieve(ctx, query, s.cfg.TopK)
	if err != nil {
		return nil, s.finishFailed(err)
	}

	// 3. 组合指令与生成
	req := &GenerationRequest{
		SystemPrompt: s.cfg.SystemPrompt,
		History:      history,
		Context:      chunks,
		Instruction:  s.deps.Composer.Compose(query),
	}
	notify(StatusGenerating)
	text, err := generator.Generate(ctx, req)
	if err != nil {
		return nil, s.finishFailed(err)
	}

	// 4. 追加助手轮次
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, errors.ErrInvalidState.WithMessagef("session %s was closed while awaiting a response", s.id)
	}
	turn := s.appendTurnLocked(llm.RoleAssistant, text)
	s.state = StateReady
	s.cancel = nil
	s.mu.Unlock()

	notify(StatusDone)
	return &Answer{Text: text, Sources: s.sources(chunks), Turn: turn}, nil
}

func (s *Session) reject(err error) error {
	s.deps.Metrics.RecordSubmit(err)
	return err
}

func (s *Session) finishFailed(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return errors.ErrInvalidState.WithMessagef("session %s was closed while awaiting a response", s.id).WithCause(err)
	}
	s.state = StateReady
	s.cancel = nil
	s.lastActive = s.now()
	logger.Warnw("submit failed", "session_id", s.id, "turns", len(s.turns), "error", err)
	return err
}

func (s *Session) appendTurnLocked(role llm.Role, content string) Turn {
	t := Turn{
		Role:      role,
		Content:   content,
		Ordinal:   len(s.turns) + 1,
		CreatedAt: s.now(),
	}
	s.turns = append(s.turns, t)
	s.lastActive = t.CreatedAt
	return t
}

func (s *Session) sources(chunks []store.ScoredChunk) []Source {
	out := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		src := Source{ChunkID: c.ID, Source: c.Source, Score: c.Score}
		if s.cfg.ExcerptRunes > 0 {
			src.Excerpt = excerpt(c.Text, s.cfg.ExcerptRunes)
		}
		out = append(out, src)
	}
	return out
}

func excerpt(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "…"
}

// History 返回对话历史的副本，按提交顺序排列。关闭后仍可读取。
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Close 关闭会话并中止进行中的提交。重复调用无副作用。
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateClosed
	logger.Infow("session closed", "session_id", s.id, "turns", len(s.turns))
}

// SessionInfo 会话摘要。
type SessionInfo struct {
	ID         string    `json:"session_id"`
	State      State     `json:"state"`
	TopK       int       `json:"top_k"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Info 返回会话摘要。
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		State:      s.state,
		TopK:       s.cfg.TopK,
		Turns:      len(s.turns),
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
	}
}

// closeIfIdle 在同一把锁内判断空闲并关闭；处理中的会话永不关闭。
func (s *Session) closeIfIdle(ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAwaitingResponse || now.Sub(s.lastActive) < ttl {
		return false
	}
	s.closeLocked()
	return true
}
