package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

// Config 池配置。
type Config struct {
	// Capacity 最大并发 goroutine 数
	Capacity int
	// ExpiryDuration goroutine 空闲过期时间
	ExpiryDuration time.Duration
	// Nonblocking 池满时 Submit 立即返回 ErrPoolOverload
	Nonblocking bool
	// MaxBlockingTasks 阻塞模式下最大等待任务数（0 表示无限制）
	MaxBlockingTasks int
}

// DecodePoolConfig 索引加载时并行解码使用，容量为 CPU 数。
func DecodePoolConfig() *Config {
	return &Config{
		Capacity:       runtime.GOMAXPROCS(0),
		ExpiryDuration: 10 * time.Second,
	}
}

// BackgroundPoolConfig 后台任务（会话回收、向量同步）使用。
func BackgroundPoolConfig() *Config {
	return &Config{
		Capacity:         16,
		ExpiryDuration:   60 * time.Second,
		Nonblocking:      true,
		MaxBlockingTasks: 0,
	}
}

// Pool 协程池。
type Pool struct {
	name string
	pool *ants.Pool

	closed  atomic.Bool
	closeMu sync.Mutex
	stats   counters
}

type counters struct {
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// Stats 池统计快照。
type Stats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Running   int    `json:"running"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Rejected  int64  `json:"rejected"`
	Panics    int64  `json:"panics"`
}

// New 创建协程池。
func New(name string, config *Config) (*Pool, error) {
	if config == nil {
		config = DecodePoolConfig()
	}
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("pool %s: capacity must be positive", name)
	}

	p := &Pool{name: name}
	ap, err := ants.NewPool(config.Capacity,
		ants.WithExpiryDuration(config.ExpiryDuration),
		ants.WithNonblocking(config.Nonblocking),
		ants.WithMaxBlockingTasks(config.MaxBlockingTasks),
		ants.WithPanicHandler(func(v interface{}) {
			p.stats.panics.Add(1)
			logger.Errorw("worker panic recovered", "pool", name, "panic", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	p.pool = ap

	logger.Debugw("worker pool created", "name", name, "capacity", config.Capacity)
	return p, nil
}

// Name 返回池名称
func (p *Pool) Name() string {
	return p.name
}

// Submit 提交任务
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	err := p.pool.Submit(func() {
		defer p.stats.completed.Add(1)
		task()
	})
	switch {
	case err == nil:
		p.stats.submitted.Add(1)
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		p.stats.rejected.Add(1)
		return ErrPoolOverload
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	default:
		return err
	}
}

// Release 关闭池；已排队的任务仍会执行完。
func (p *Pool) Release() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Swap(true) {
		return
	}
	p.pool.Release()
}

// ReleaseTimeout 关闭池并等待运行中的任务，最多等待 timeout。
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	return p.pool.ReleaseTimeout(timeout)
}

// Stats 返回统计快照
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Capacity:  p.pool.Cap(),
		Running:   p.pool.Running(),
		Submitted: p.stats.submitted.Load(),
		Completed: p.stats.completed.Load(),
		Rejected:  p.stats.rejected.Load(),
		Panics:    p.stats.panics.Load(),
	}
}

// Group 在池上运行一组任务并等待全部完成，返回第一个错误。
// 第一个错误出现后 ctx 被取消，尚未开始的任务直接跳过。
type Group struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error
}

// NewGroup 创建任务组。
func (p *Pool) NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Group{pool: p, ctx: ctx, cancel: cancel}
}

// Go 提交任务；池已关闭等提交失败也记为组错误。
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	err := g.pool.Submit(func() {
		defer g.wg.Done()
		if g.ctx.Err() != nil {
			return
		}
		if err := fn(g.ctx); err != nil {
			g.fail(err)
		}
	})
	if err != nil {
		g.wg.Done()
		g.fail(err)
	}
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		g.cancel(err)
	})
}

// Wait 等待全部任务结束。
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel(nil)
	if g.err != nil {
		return g.err
	}
	return context.Cause(g.ctx)
}
