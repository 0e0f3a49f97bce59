package biz

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/id"
	"github.com/kart-io/docchat/pkg/infra/pool"
	"github.com/kart-io/docchat/pkg/llm"
)

// ChatFactory 按 API Key 创建聊天提供者。
type ChatFactory func(apiKey string) (llm.ChatProvider, error)

// ManagerConfig 会话管理器配置。
type ManagerConfig struct {
	// Session 新会话的固定配置。
	Session SessionConfig
	// MaxSessions 最大存活会话数，0 表示不限制。
	MaxSessions int
	// IdleTTL 会话空闲超过该时长后被回收，0 表示不回收。
	IdleTTL time.Duration
	// ReapInterval 回收扫描间隔，默认 IdleTTL/2。
	ReapInterval time.Duration
	// DefaultAPIKey 请求未携带 API Key 时使用的服务端凭据。
	DefaultAPIKey string
}

// ManagerDeps 会话管理器依赖。
type ManagerDeps struct {
	Index    *store.Handle
	Embedder llm.EmbeddingProvider
	Chat     ChatFactory
	Composer *Composer
	Metrics  *metrics.Metrics
	// Pool 后台任务池，用于执行回收扫描；为 nil 时在调用方 goroutine 中执行。
	Pool *pool.Pool
	// IDs 会话 ID 生成器，默认使用 ULID。
	IDs *id.Generator
}

// Manager 管理全部会话。
type Manager struct {
	cfg  ManagerConfig
	deps ManagerDeps
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager 创建会话管理器。
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if deps.IDs == nil {
		deps.IDs = id.NewGenerator()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Create 创建并初始化会话。apiKey 为空时使用服务端凭据；
// 初始化失败的会话不会被注册。
func (m *Manager) Create(ctx context.Context, apiKey string) (*Session, error) {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	if m.cfg.MaxSessions > 0 && n >= m.cfg.MaxSessions {
		return nil, errors.ErrTooManySessions.WithMessagef("session limit %d reached", m.cfg.MaxSessions)
	}

	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = m.cfg.DefaultAPIKey
	}

	s := NewSession(m.deps.IDs.Generate(), m.cfg.Session, SessionDeps{
		Index:    m.deps.Index,
		Embedder: m.deps.Embedder,
		Composer: m.deps.Composer,
		Metrics:  m.deps.Metrics,
	})
	s.now = m.now

	if err := s.Init(ctx, m.connector(key)); err != nil {
		m.deps.Metrics.RecordFailure(err)
		logger.Warnw("session initialization failed", "session_id", s.ID(), "error", err)
		return nil, err
	}

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		s.Close()
		return nil, errors.ErrTooManySessions.WithMessagef("session limit %d reached", m.cfg.MaxSessions)
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionCreated()
	return s, nil
}

func (m *Manager) connector(apiKey string) Connector {
	return func() (Generator, error) {
		if m.deps.Chat == nil {
			return nil, errors.ErrPrecondition.WithMessage("no LLM provider configured")
		}
		chat, err := m.deps.Chat(apiKey)
		if err != nil {
			return nil, errors.ErrPrecondition.WithCause(err)
		}
		return NewLLMGenerator(chat, m.cfg.Session.GenerationTimeout, m.deps.Metrics), nil
	}
}

// Get 按 ID 查找会话。
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.ErrSessionNotFound.WithMessagef("session %s not found", sessionID)
	}
	return s, nil
}

// Close 关闭并移除会话。
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return errors.ErrSessionNotFound.WithMessagef("session %s not found", sessionID)
	}
	s.Close()
	m.deps.Metrics.RecordSessionClosed(false)
	return nil
}

// List 返回全部会话摘要，按创建时间排序。
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 返回存活会话数。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap 关闭空闲超过 IdleTTL 的会话，返回回收数量。处理中的会话不会被回收。
func (m *Manager) Reap(now time.Time) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	reaped := 0
	m.mu.Lock()
	for sessionID, s := range m.sessions {
		if s.closeIfIdle(m.cfg.IdleTTL, now) {
			delete(m.sessions, sessionID)
			reaped++
		}
	}
	m.mu.Unlock()

	for i := 0; i < reaped; i++ {
		m.deps.Metrics.RecordSessionClosed(true)
	}
	if reaped > 0 {
		logger.Infow("idle sessions reaped", "count", reaped, "ttl", m.cfg.IdleTTL)
	}
	return reaped
}

// Start 启动后台回收循环，直到 ctx 结束或调用 Shutdown。
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.IdleTTL <= 0 {
		return
	}
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = m.cfg.IdleTTL / 2
	}
	if interval <= 0 {
		interval = time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	if m.deps.Pool == nil {
		m.Reap(m.now())
		return
	}
	if err := m.deps.Pool.Submit(func() { m.Reap(m.now()) }); err != nil {
		logger.Warnw("reaper sweep skipped", "pool", m.deps.Pool.Name(), "error", err)
	}
}

// Shutdown 停止回收循环并关闭全部会话。
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.deps.Metrics.RecordSessionClosed(false)
	}
}
