package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	options "github.com/kart-io/docchat/pkg/options/redis"
)

func TestNewWithContextRejectsBadOptions(t *testing.T) {
	_, err := NewWithContext(context.Background(), nil)
	assert.Error(t, err)

	opts := options.NewOptions()
	opts.Port = 0
	_, err = NewWithContext(context.Background(), opts)
	assert.ErrorContains(t, err, "invalid redis options")
}

func TestNewWithContextUnreachable(t *testing.T) {
	opts := options.NewOptions()
	opts.Port = 1
	opts.DialTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewWithContext(ctx, opts)
	assert.ErrorContains(t, err, "failed to ping redis")
}

func TestRedisOptionsMapping(t *testing.T) {
	opts := options.NewOptions()
	opts.Password = "pw"
	opts.Database = 3

	ro := redisOptions(opts)
	assert.Equal(t, "127.0.0.1:6379", ro.Addr)
	assert.Equal(t, "pw", ro.Password)
	assert.Equal(t, 3, ro.DB)
}

func TestLiveRedis(t *testing.T) {
	addr := os.Getenv("DOCCHAT_TEST_REDIS_PORT")
	if addr == "" {
		t.Skip("DOCCHAT_TEST_REDIS_PORT not set")
	}
	port, err := strconv.Atoi(addr)
	require.NoError(t, err)

	opts := options.NewOptions()
	opts.Port = port
	c, err := NewWithContext(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "redis", c.Name())
	assert.NoError(t, c.Ping(context.Background()))
}
