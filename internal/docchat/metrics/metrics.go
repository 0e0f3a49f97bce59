// Package metrics 提供 docchat 的业务指标统计，并导出为 Prometheus 文本格式。
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/docchat/pkg/errors"
)

// 失败类别，与错误分类一一对应。
const (
	KindNotFound     = "not_found"
	KindCorrupt      = "corrupt_index"
	KindEmbedding    = "embedding"
	KindGeneration   = "generation"
	KindTimeout      = "generation_timeout"
	KindInvalidState = "invalid_state"
	KindPrecondition = "precondition"
	KindOther        = "other"
)

// CacheSource 返回嵌入缓存的命中与未命中次数。
type CacheSource func() (hits, misses int64)

// Metrics 记录会话、检索、生成相关的计数器。
// 零值不可用，请使用 New 创建；nil 接收者上的所有方法均为空操作。
type Metrics struct {
	startTime time.Time

	sessionsCreated atomic.Uint64
	sessionsClosed  atomic.Uint64
	sessionsReaped  atomic.Uint64
	sessionsActive  atomic.Int64

	submitsTotal atomic.Uint64

	retrievalTotal    atomic.Uint64
	retrievalNanos    atomic.Int64
	generationTotal   atomic.Uint64
	generationNanos   atomic.Int64
	retrievedChunks   atomic.Uint64
	indexLoadsTotal   atomic.Uint64
	indexLoadFailures atomic.Uint64

	mu       sync.Mutex
	failures map[string]uint64
	cache    CacheSource
}

// New 创建指标实例。
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		failures:  make(map[string]uint64),
	}
}

// SetCacheSource 设置嵌入缓存统计来源。
func (m *Metrics) SetCacheSource(src CacheSource) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cache = src
	m.mu.Unlock()
}

// RecordSessionCreated 记录会话创建。
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(1)
	m.sessionsActive.Add(1)
}

// RecordSessionClosed 记录会话关闭，reaped 表示由空闲回收触发。
func (m *Metrics) RecordSessionClosed(reaped bool) {
	if m == nil {
		return
	}
	m.sessionsClosed.Add(1)
	m.sessionsActive.Add(-1)
	if reaped {
		m.sessionsReaped.Add(1)
	}
}

// RecordSubmit 记录一次提交及其结果。
func (m *Metrics) RecordSubmit(err error) {
	if m == nil {
		return
	}
	m.submitsTotal.Add(1)
	if err != nil {
		m.RecordFailure(err)
	}
}

// RecordFailure 按错误类别累计失败次数。
func (m *Metrics) RecordFailure(err error) {
	if m == nil || err == nil {
		return
	}
	kind := Classify(err)
	m.mu.Lock()
	m.failures[kind]++
	m.mu.Unlock()
}

// RecordRetrieval 记录一次检索。
func (m *Metrics) RecordRetrieval(d time.Duration, chunks int) {
	if m == nil {
		return
	}
	m.retrievalTotal.Add(1)
	m.retrievalNanos.Add(int64(d))
	m.retrievedChunks.Add(uint64(chunks))
}

// RecordGeneration 记录一次生成调用。
func (m *Metrics) RecordGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.generationTotal.Add(1)
	m.generationNanos.Add(int64(d))
}

// RecordIndexLoad 记录索引加载结果。
func (m *Metrics) RecordIndexLoad(err error) {
	if m == nil {
		return
	}
	m.indexLoadsTotal.Add(1)
	if err != nil {
		m.indexLoadFailures.Add(1)
	}
}

// Classify 将错误映射到失败类别。
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.IsCode(err, errors.ErrIndexNotFound.Code):
		return KindNotFound
	case errors.IsCode(err, errors.ErrIndexCorrupt.Code):
		return KindCorrupt
	case errors.IsCode(err, errors.ErrEmbedding.Code):
		return KindEmbedding
	case errors.IsCode(err, errors.ErrGenerationTimeout.Code):
		return KindTimeout
	case errors.IsCode(err, errors.ErrGeneration.Code):
		return KindGeneration
	case errors.IsCode(err, errors.ErrInvalidState.Code):
		return KindInvalidState
	case errors.IsCode(err, errors.ErrPrecondition.Code):
		return KindPrecondition
	default:
		return KindOther
	}
}

// Snapshot 是某一时刻的指标快照。
type Snapshot struct {
	SessionsCreated   uint64            `json:"sessions_created"`
	SessionsClosed    uint64            `json:"sessions_closed"`
	SessionsReaped    uint64            `json:"sessions_reaped"`
	SessionsActive    int64             `json:"sessions_active"`
	SubmitsTotal      uint64            `json:"submits_total"`
	Failures          map[string]uint64 `json:"failures"`
	RetrievalTotal    uint64            `json:"retrieval_total"`
	RetrievalSeconds  float64           `json:"retrieval_seconds_total"`
	RetrievedChunks   uint64            `json:"retrieved_chunks_total"`
	GenerationTotal   uint64            `json:"generation_total"`
	GenerationSeconds float64           `json:"generation_seconds_total"`
	IndexLoads        uint64            `json:"index_loads_total"`
	IndexLoadFailures uint64            `json:"index_load_failures_total"`
	CacheHits         int64             `json:"cache_hits"`
	CacheMisses       int64             `json:"cache_misses"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
}

// Snapshot 返回当前指标快照。
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Failures: map[string]uint64{}}
	}
	m.mu.Lock()
	failures := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	cache := m.cache
	m.mu.Unlock()

	s := Snapshot{
		SessionsCreated:   m.sessionsCreated.Load(),
		SessionsClosed:    m.sessionsClosed.Load(),
		SessionsReaped:    m.sessionsReaped.Load(),
		SessionsActive:    m.sessionsActive.Load(),
		SubmitsTotal:      m.submitsTotal.Load(),
		Failures:          failures,
		RetrievalTotal:    m.retrievalTotal.Load(),
		RetrievalSeconds:  time.Duration(m.retrievalNanos.Load()).Seconds(),
		RetrievedChunks:   m.retrievedChunks.Load(),
		GenerationTotal:   m.generationTotal.Load(),
		GenerationSeconds: time.Duration(m.generationNanos.Load()).Seconds(),
		IndexLoads:        m.indexLoadsTotal.Load(),
		IndexLoadFailures: m.indexLoadFailures.Load(),
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
	if cache != nil {
		s.CacheHits, s.CacheMisses = cache()
	}
	return s
}

// WritePrometheus 以 Prometheus 文本格式写出指标。
func (m *Metrics) WritePrometheus(w io.Writer, namespace string) error {
	s := m.Snapshot()
	var sb strings.Builder

	counter := func(name, help string, value any) {
		writeMetric(&sb, namespace+"_"+name, help, "counter", value)
	}
	gauge := func(name, help string, value any) {
		writeMetric(&sb, namespace+"_"+name, help, "gauge", value)
	}

	// 会话
	counter("sessions_created_total", "Total number of chat sessions created.", s.SessionsCreated)
	counter("sessions_closed_total", "Total number of chat sessions closed.", s.SessionsClosed)
	counter("sessions_reaped_total", "Number of sessions closed by the idle reaper.", s.SessionsReaped)
	gauge("sessions_active", "Number of live chat sessions.", s.SessionsActive)

	// 提交与失败
	counter("submits_total", "Total number of submitted queries.", s.SubmitsTotal)
	name := namespace + "_failures_total"
	fmt.Fprintf(&sb, "# HELP %s Number of failures by kind.\n", name)
	fmt.Fprintf(&sb, "# TYPE %s counter\n", name)
	kinds := make([]string, 0, len(s.Failures))
	for k := range s.Failures {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&sb, "%s{kind=%q} %d\n", name, k, s.Failures[k])
	}
	sb.WriteString("\n")

	// 检索与生成
	counter("retrieval_total", "Total number of retrievals.", s.RetrievalTotal)
	counter("retrieval_duration_seconds_total", "Total retrieval duration.", fmt.Sprintf("%.6f", s.RetrievalSeconds))
	counter("retrieved_chunks_total", "Total number of chunks returned by retrieval.", s.RetrievedChunks)
	counter("generation_total", "Total number of generation calls.", s.GenerationTotal)
	counter("generation_duration_seconds_total", "Total generation duration.", fmt.Sprintf("%.6f", s.GenerationSeconds))

	// 索引与缓存
	counter("index_loads_total", "Number of index store loads.", s.IndexLoads)
	counter("index_load_failures_total", "Number of failed index store loads.", s.IndexLoadFailures)
	counter("embedding_cache_hits_total", "Embedding cache hits.", s.CacheHits)
	counter("embedding_cache_misses_total", "Embedding cache misses.", s.CacheMisses)

	gauge("uptime_seconds", "Service uptime in seconds.", fmt.Sprintf("%.2f", s.UptimeSeconds))

	_, err := io.WriteString(w, sb.String())
	return err
}

func writeMetric(sb *strings.Builder, name, help, typ string, value any) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(sb, "%s %v\n\n", name, value)
}
