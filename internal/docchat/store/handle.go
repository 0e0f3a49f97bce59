package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kart-io/logger"
)

// Loader 从存储中读取索引。
type Loader func(ctx context.Context) (Index, error)

// Handle 一次性初始化、多方共享的只读索引句柄。
//
// 并发调用 Load 的请求共享同一次读取并得到相同的实例或相同的错误；
// 成功后结果被永久缓存。失败不会被缓存，下一次调用会重新读取。
type Handle struct {
	loader Loader

	mu       sync.Mutex
	index    Index
	inflight *loadCall
	loads    atomic.Int64
}

type loadCall struct {
	done  chan struct{}
	index Index
	err   error
}

// NewHandle 创建句柄，loader 在首次 Load 时才被调用。
func NewHandle(loader Loader) *Handle {
	return &Handle{loader: loader}
}

// NewStaticHandle 包装一个已加载的索引。
func NewStaticHandle(idx Index) *Handle {
	return &Handle{index: idx}
}

// Load 返回已加载的索引，首次调用时执行读取。ctx 只限制等待时间，
// 不会中断其他调用方共享的读取。
func (h *Handle) Load(ctx context.Context) (Index, error) {
	h.mu.Lock()
	if h.index != nil {
		idx := h.index
		h.mu.Unlock()
		return idx, nil
	}
	call := h.inflight
	if call == nil {
		call = &loadCall{done: make(chan struct{})}
		h.inflight = call
		go h.run(call)
	}
	h.mu.Unlock()

	select {
	case <-call.done:
		return call.index, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) run(call *loadCall) {
	h.loads.Add(1)
	idx, err := h.loader(context.Background())

	h.mu.Lock()
	if err == nil {
		h.index = idx
	} else {
		logger.Errorw("index load failed", "error", err)
	}
	h.inflight = nil
	h.mu.Unlock()

	call.index, call.err = idx, err
	close(call.done)
}

// Get 返回已加载的索引，尚未加载时 ok 为 false。
func (h *Handle) Get() (Index, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index, h.index != nil
}

// Loads 返回实际执行读取的次数。
func (h *Handle) Loads() int64 {
	return h.loads.Load()
}
