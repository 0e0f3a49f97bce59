package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/component"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/llm"
	"github.com/kart-io/docchat/pkg/utils/json"
)

var (
	_ llm.EmbeddingProvider = (*fakeEmbedder)(nil)
	_ llm.ChatProvider      = (*fakeChat)(nil)
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.EmbedSingle(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedSingle(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0.3, 0}, nil
}

func (f *fakeEmbedder) Name() string { return "fake" }

type fakeChat struct {
	fn func(ctx context.Context, msgs []llm.Message) (string, error)
}

func (f *fakeChat) Chat(ctx context.Context, msgs []llm.Message) (string, error) {
	if f.fn == nil {
		return "Cuti tahunan 14 hari menurut SK-12.", nil
	}
	return f.fn(ctx, msgs)
}

func (f *fakeChat) Name() string { return "fake" }

type env struct {
	engine   *gin.Engine
	embedder *fakeEmbedder
	chat     *fakeChat
	metrics  *metrics.Metrics
}

func newEnv(t *testing.T, handle *store.Handle, cfg biz.ManagerConfig, checkers ...component.Checker) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if handle == nil {
		idx, err := store.NewMemoryIndex([]store.Chunk{
			{ID: "A", Text: "Decree 12 sets leave at 14 days", Source: "SK-12.pdf", Embedding: []float32{1, 0.2, 0}},
			{ID: "B", Text: "Decree 12 sets overtime pay at 1.5x", Source: "SK-12.pdf", Embedding: []float32{0.9, 0.4, 0}},
			{ID: "C", Text: "Cafeteria opening hours", Source: "memo.pdf", Embedding: []float32{0, 0, 1}},
		})
		require.NoError(t, err)
		handle = store.NewStaticHandle(idx)
	}
	if cfg.Session.TopK == 0 {
		cfg.Session.TopK = 2
	}
	composer, err := biz.NewComposer("")
	require.NoError(t, err)

	e := &env{embedder: &fakeEmbedder{}, chat: &fakeChat{}, metrics: metrics.New()}
	mgr := biz.NewManager(cfg, biz.ManagerDeps{
		Index:    handle,
		Embedder: e.embedder,
		Chat: func(apiKey string) (llm.ChatProvider, error) {
			if apiKey == "" {
				return nil, fmt.Errorf("gemini: %w", llm.ErrMissingAPIKey)
			}
			return e.chat, nil
		},
		Composer: composer,
		Metrics:  e.metrics,
	})
	t.Cleanup(mgr.Shutdown)

	h := New(Config{}, mgr, handle, e.metrics, checkers...)
	e.engine = gin.New()
	e.engine.GET("/healthz", h.Healthz)
	e.engine.GET("/readyz", h.Readyz)
	e.engine.GET("/metrics", h.Metrics)
	e.engine.POST("/v1/sessions", h.CreateSession)
	e.engine.GET("/v1/sessions", h.ListSessions)
	e.engine.GET("/v1/sessions/:id", h.GetSession)
	e.engine.DELETE("/v1/sessions/:id", h.CloseSession)
	e.engine.POST("/v1/sessions/:id/messages", h.Submit)
	e.engine.GET("/v1/sessions/:id/messages", h.History)
	e.engine.POST("/v1/sessions/:id/messages/stream", h.Stream)
	e.engine.GET("/v1/index/stats", h.IndexStats)
	return e
}

func (e *env) do(method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		buf.Write(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func (e *env) createSession(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/sessions", CreateSessionRequest{APIKey: "user-key"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var s SessionResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &s))
	return s.SessionID
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	id := e.createSession(t)

	w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "leave policy"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ans biz.Answer
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &ans))
	assert.Equal(t, "Cuti tahunan 14 hari menurut SK-12.", ans.Text)
	require.Len(t, ans.Sources, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, []string{ans.Sources[0].ChunkID, ans.Sources[1].ChunkID})

	w = e.do(http.MethodGet, "/v1/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &hist))
	require.Len(t, hist.Turns, 2)
	assert.Equal(t, llm.RoleUser, hist.Turns[0].Role)
	assert.Equal(t, llm.RoleAssistant, hist.Turns[1].Role)

	w = e.do(http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = e.do(http.MethodDelete, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)

	w = e.do(http.MethodGet, "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrSessionNotFound.Code, decode(t, w).Code)
}

func TestCreateSession_HeaderKey(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	w := e.do(http.MethodPost, "/v1/sessions", nil, HeaderAPIKey, "from-header")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	id := e.createSession(t)

	w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w)
	assert.Equal(t, errors.ErrValidationFailed.Code, env.Code)
	assert.Contains(t, env.Detail, "query")

	w = e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: " "}, "Accept-Language", "id-ID")
	assert.Contains(t, decode(t, w).Detail, "tidak boleh kosong")

	w = e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: strings.Repeat("a", 4001)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	t.Run("precondition", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{})
		w := e.do(http.MethodPost, "/v1/sessions", nil)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		env := decode(t, w)
		assert.Equal(t, errors.ErrPrecondition.Code, env.Code)
		assert.Contains(t, env.Detail, "api key")
	})

	indexErr := func(t *testing.T, cause *errors.Errno, status int) {
		handle := store.NewHandle(func(context.Context) (store.Index, error) { return nil, cause })
		e := newEnv(t, handle, biz.ManagerConfig{DefaultAPIKey: "k"})
		w := e.do(http.MethodPost, "/v1/sessions", nil)
		assert.Equal(t, status, w.Code)
		assert.Equal(t, cause.Code, decode(t, w).Code)

		w = e.do(http.MethodGet, "/v1/index/stats", nil)
		assert.Equal(t, status, w.Code)
	}
	t.Run("index not found", func(t *testing.T) { indexErr(t, errors.ErrIndexNotFound, http.StatusNotFound) })
	t.Run("index corrupt", func(t *testing.T) {
		indexErr(t, errors.ErrIndexCorrupt.WithMessage("document store missing"), http.StatusInternalServerError)
	})

	t.Run("embedding", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{})
		id := e.createSession(t)
		e.embedder.err = fmt.Errorf("connection refused")
		w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "leave policy"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		env := decode(t, w)
		assert.Equal(t, errors.ErrEmbedding.Code, env.Code)
		assert.Contains(t, env.Detail, "connection refused")
	})

	t.Run("generation", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{})
		id := e.createSession(t)
		e.chat.fn = func(context.Context, []llm.Message) (string, error) { return "", fmt.Errorf("429 quota") }
		w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "leave policy"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, errors.ErrGeneration.Code, decode(t, w).Code)
	})

	t.Run("generation timeout", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{Session: biz.SessionConfig{TopK: 2, GenerationTimeout: 20 * time.Millisecond}})
		id := e.createSession(t)
		e.chat.fn = func(ctx context.Context, _ []llm.Message) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}
		w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "leave policy"})
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, errors.ErrGenerationTimeout.Code, decode(t, w).Code)

		w = e.do(http.MethodGet, "/v1/sessions/"+id+"/messages", nil)
		var hist HistoryResponse
		require.NoError(t, json.Unmarshal(decode(t, w).Data, &hist))
		assert.Equal(t, biz.StateReady, hist.State)
		assert.Len(t, hist.Turns, 1)
	})

	t.Run("invalid state", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{})
		id := e.createSession(t)
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		e.chat.fn = func(context.Context, []llm.Message) (string, error) {
			once.Do(func() { close(started) })
			<-release
			return "late answer", nil
		}

		done := make(chan int, 1)
		go func() {
			done <- e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "first"}).Code
		}()
		<-started
		w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages", SubmitRequest{Query: "second"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, errors.ErrInvalidState.Code, decode(t, w).Code)

		close(release)
		assert.Equal(t, http.StatusOK, <-done)
	})

	t.Run("too many sessions", func(t *testing.T) {
		e := newEnv(t, nil, biz.ManagerConfig{MaxSessions: 1})
		e.createSession(t)
		w := e.do(http.MethodPost, "/v1/sessions", CreateSessionRequest{APIKey: "k"})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestStream(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	id := e.createSession(t)

	w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages/stream", SubmitRequest{Query: "leave policy"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	retrieving := strings.Index(body, `"status":"retrieving"`)
	generating := strings.Index(body, `"status":"generating"`)
	answer := strings.Index(body, "event:"+EventAnswer)
	assert.True(t, retrieving >= 0 && retrieving < generating && generating < answer, body)
	assert.Contains(t, body, "Cuti tahunan 14 hari")
}

func TestStream_Error(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	id := e.createSession(t)
	e.chat.fn = func(context.Context, []llm.Message) (string, error) { return "", nil }

	w := e.do(http.MethodPost, "/v1/sessions/"+id+"/messages/stream", SubmitRequest{Query: "leave policy"})
	body := w.Body.String()
	assert.Contains(t, body, "event:"+EventError)
	assert.Contains(t, body, `"status":"failed"`)
	assert.Contains(t, body, fmt.Sprintf(`"code":%d`, errors.ErrGeneration.Code))
}

func TestIndexStats(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	w := e.do(http.MethodGet, "/v1/index/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st store.Stats
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &st))
	assert.Equal(t, 3, st.Chunks)
	assert.Equal(t, 3, st.Dimension)
	assert.Equal(t, "memory", st.Backend)
}

func TestHealth(t *testing.T) {
	healthy := component.CheckFunc{ID: "redis", Fn: func(context.Context) error { return nil }}
	broken := component.CheckFunc{ID: "milvus", Fn: func(context.Context) error { return fmt.Errorf("dial timeout") }}

	e := newEnv(t, nil, biz.ManagerConfig{}, healthy)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/readyz", nil).Code)

	e = newEnv(t, nil, biz.ManagerConfig{}, healthy, broken)
	w := e.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	env := decode(t, w)
	assert.Equal(t, errors.ErrServiceUnavailable.Code, env.Code)
	assert.Contains(t, string(env.Data), "dial timeout")

	pending := store.NewHandle(func(context.Context) (store.Index, error) { return store.NewMemoryIndex(nil) })
	e = newEnv(t, pending, biz.ManagerConfig{})
	w = e.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not loaded")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil, biz.ManagerConfig{})
	e.createSession(t)
	w := e.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docchat_sessions_created_total 1")
}
