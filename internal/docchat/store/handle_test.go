package store

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLoadsOnceConcurrently(t *testing.T) {
	idx, err := NewMemoryIndex(decreeChunks())
	require.NoError(t, err)

	release := make(chan struct{})
	h := NewHandle(func(context.Context) (Index, error) {
		<-release
		return idx, nil
	})

	var wg sync.WaitGroup
	results := make([]Index, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.Load(context.Background())
			assert.NoError(t, err)
			results[i] = got
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), h.Loads())
	for _, r := range results {
		assert.Same(t, idx, r)
	}

	again, err := h.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, idx, again)
	assert.Equal(t, int64(1), h.Loads())
}

func TestHandleRetriesAfterFailure(t *testing.T) {
	idx, err := NewMemoryIndex(nil)
	require.NoError(t, err)

	var calls atomic.Int32
	boom := stderrors.New("disk unavailable")
	h := NewHandle(func(context.Context) (Index, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return idx, nil
	})

	_, err = h.Load(context.Background())
	assert.ErrorIs(t, err, boom)
	_, ok := h.Get()
	assert.False(t, ok)

	got, err := h.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, idx, got)
	assert.Equal(t, int64(2), h.Loads())
}

func TestHandleWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := NewHandle(func(context.Context) (Index, error) {
		<-release
		return nil, stderrors.New("never")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Load(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaticHandle(t *testing.T) {
	idx, err := NewMemoryIndex(decreeChunks())
	require.NoError(t, err)
	h := NewStaticHandle(idx)

	got, ok := h.Get()
	require.True(t, ok)
	assert.Same(t, idx, got)
	assert.Equal(t, int64(0), h.Loads())
}
