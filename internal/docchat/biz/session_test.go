package biz

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/llm"
)

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	composer, err := NewComposer("")
	require.NoError(t, err)
	if cfg.TopK == 0 {
		cfg.TopK = 2
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return NewSession("s-1", cfg, SessionDeps{
		Index:    store.NewStaticHandle(decreeIndex(t)),
		Embedder: leaveEmbedder(),
		Composer: composer,
		Metrics:  metrics.New(),
	})
}

func connectTo(g Generator) Connector {
	return func() (Generator, error) { return g, nil }
}

func readySession(t *testing.T, g Generator) *Session {
	t.Helper()
	s := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Init(context.Background(), connectTo(g)))
	require.Equal(t, StateReady, s.State())
	return s
}

func echoGenerator() *mockGenerator {
	return &mockGenerator{fn: func(_ context.Context, req *GenerationRequest) (string, error) {
		return fmt.Sprintf("answer with %d chunks", len(req.Context)), nil
	}}
}

func TestSession_Init(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		s := newTestSession(t, SessionConfig{})
		err := s.Init(context.Background(), func() (Generator, error) {
			return nil, fmt.Errorf("gemini: %w", llm.ErrMissingAPIKey)
		})
		assert.ErrorIs(t, err, errors.ErrPrecondition)
		assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
		assert.Equal(t, StateUninitialized, s.State())

		_, err = s.Submit(context.Background(), "leave policy", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidState)
		assert.Empty(t, s.History())
	})

	t.Run("index not found", func(t *testing.T) {
		composer, _ := NewComposer("")
		s := NewSession("s-2", SessionConfig{TopK: 2}, SessionDeps{
			Index: store.NewHandle(func(context.Context) (store.Index, error) {
				return nil, errors.ErrIndexNotFound
			}),
			Embedder: leaveEmbedder(),
			Composer: composer,
		})
		err := s.Init(context.Background(), connectTo(echoGenerator()))
		assert.ErrorIs(t, err, errors.ErrIndexNotFound)
		assert.Equal(t, StateUninitialized, s.State())
	})

	t.Run("invalid top-k", func(t *testing.T) {
		s := newTestSession(t, SessionConfig{TopK: -1})
		err := s.Init(context.Background(), connectTo(echoGenerator()))
		assert.ErrorIs(t, err, errors.ErrPrecondition)
	})

	t.Run("embedding probe", func(t *testing.T) {
		s := newTestSession(t, SessionConfig{ProbeEmbedding: true})
		s.deps.Embedder = &mockEmbedder{err: fmt.Errorf("unreachable")}
		err := s.Init(context.Background(), connectTo(echoGenerator()))
		assert.ErrorIs(t, err, errors.ErrEmbedding)
		assert.Equal(t, StateUninitialized, s.State())
	})

	t.Run("twice", func(t *testing.T) {
		s := readySession(t, echoGenerator())
		assert.ErrorIs(t, s.Init(context.Background(), connectTo(echoGenerator())), errors.ErrInvalidState)
	})
}

func TestSession_SubmitHistory(t *testing.T) {
	var seen []*GenerationRequest
	gen := &mockGenerator{fn: func(_ context.Context, req *GenerationRequest) (string, error) {
		seen = append(seen, req)
		return fmt.Sprintf("answer %d", len(seen)), nil
	}}
	s := readySession(t, gen)

	var statuses []Status
	for i := 1; i <= 3; i++ {
		ans, err := s.Submit(context.Background(), "leave policy", func(st Status) { statuses = append(statuses, st) })
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("answer %d", i), ans.Text)
		assert.Len(t, ans.Sources, 2)
		assert.Len(t, s.History(), 2*i)
		assert.Equal(t, StateReady, s.State())
	}

	history := s.History()
	for i, turn := range history {
		assert.Equal(t, i+1, turn.Ordinal)
		if i%2 == 0 {
			assert.Equal(t, llm.RoleUser, turn.Role)
			assert.Equal(t, "leave policy", turn.Content)
		} else {
			assert.Equal(t, llm.RoleAssistant, turn.Role)
		}
	}

	// 生成请求携带之前的轮次、上下文与组合后的指令
	require.Len(t, seen, 3)
	assert.Len(t, seen[0].History, 0)
	assert.Len(t, seen[2].History, 4)
	assert.Equal(t, DefaultSystemPrompt, seen[2].SystemPrompt)
	assert.Contains(t, seen[2].Instruction, `"leave policy"`)
	assert.Len(t, seen[2].Context, 2)

	assert.Equal(t, []Status{StatusRetrieving, StatusGenerating, StatusDone}, statuses[:3])
}

func TestSession_GenerationTimeout(t *testing.T) {
	gen := &mockGenerator{fn: func(context.Context, *GenerationRequest) (string, error) {
		return "", errors.ErrGenerationTimeout.WithCause(context.DeadlineExceeded)
	}}
	s := readySession(t, gen)

	var statuses []Status
	_, err := s.Submit(context.Background(), "What is the leave policy?", func(st Status) { statuses = append(statuses, st) })
	assert.ErrorIs(t, err, errors.ErrGenerationTimeout)
	assert.ErrorIs(t, err, errors.ErrGeneration)
	assert.Equal(t, StateReady, s.State())

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, StatusFailed, statuses[len(statuses)-1])
}

func TestSession_FailureThenRetry(t *testing.T) {
	calls := 0
	gen := &mockGenerator{fn: func(context.Context, *GenerationRequest) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.ErrGeneration.WithCause(fmt.Errorf("503"))
		}
		return "ok", nil
	}}
	s := readySession(t, gen)

	_, err := s.Submit(context.Background(), "q1", nil)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "q2", nil)
	require.ErrorIs(t, err, errors.ErrGeneration)
	assert.Len(t, s.History(), 2*(2-1)+1)

	_, err = s.Submit(context.Background(), "q2 again", nil)
	require.NoError(t, err)
	assert.Len(t, s.History(), 5)
}

func TestSession_EmbeddingFailureRecoverable(t *testing.T) {
	s := readySession(t, echoGenerator())
	s.deps.Embedder.(*mockEmbedder).err = fmt.Errorf("dial tcp: refused")

	_, err := s.Submit(context.Background(), "leave policy", nil)
	assert.ErrorIs(t, err, errors.ErrEmbedding)
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.History(), 1)
}

func TestSession_ConcurrentSubmitRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &mockGenerator{fn: func(context.Context, *GenerationRequest) (string, error) {
		close(started)
		<-release
		return "done", nil
	}}
	s := readySession(t, gen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Submit(context.Background(), "first", nil)
		assert.NoError(t, err)
	}()

	<-started
	assert.Equal(t, StateAwaitingResponse, s.State())
	_, err := s.Submit(context.Background(), "second", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	close(release)
	wg.Wait()

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "done", history[1].Content)
}

func TestSession_CancelDiscardsAssistantTurn(t *testing.T) {
	gen := NewLLMGenerator(&mockChat{fn: func(ctx context.Context, _ []llm.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}, 0, nil)
	s := readySession(t, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, "leave policy", nil)
	assert.ErrorIs(t, err, errors.ErrGenerationTimeout)
	assert.ErrorIs(t, err, errors.ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.History(), 1)
}

func TestSession_Close(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		s := readySession(t, echoGenerator())
		_, err := s.Submit(context.Background(), "leave policy", nil)
		require.NoError(t, err)

		s.Close()
		s.Close()
		assert.Equal(t, StateClosed, s.State())

		_, err = s.Submit(context.Background(), "again", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidState)
		assert.Len(t, s.History(), 2)
	})

	t.Run("in flight", func(t *testing.T) {
		started := make(chan struct{})
		gen := &mockGenerator{fn: func(ctx context.Context, _ *GenerationRequest) (string, error) {
			close(started)
			<-ctx.Done()
			return "", errors.ErrGeneration.WithCause(ctx.Err())
		}}
		s := readySession(t, gen)

		errCh := make(chan error, 1)
		go func() {
			_, err := s.Submit(context.Background(), "leave policy", nil)
			errCh <- err
		}()
		<-started
		s.Close()

		err := <-errCh
		assert.ErrorIs(t, err, errors.ErrInvalidState)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, s.State())
		assert.Len(t, s.History(), 1)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "awaiting_response", StateAwaitingResponse.String())
	text, err := StateClosed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "closed", string(text))
}
