package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/kart-io/docchat/pkg/llm"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
)

// ResilientEmbeddingProvider 带重试和熔断的 Embedding Provider。
type ResilientEmbeddingProvider struct {
	provider llm.EmbeddingProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientEmbeddingProvider 包装 Embedding Provider。
func NewResilientEmbeddingProvider(provider llm.EmbeddingProvider, retry *RetryConfig, cb *CircuitBreakerConfig) *ResilientEmbeddingProvider {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &ResilientEmbeddingProvider{provider: provider, retry: retry, cb: NewCircuitBreaker(cb)}
}

// Embed 为多个文本生成向量嵌入。
func (r *ResilientEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func(ctx context.Context) error {
		var err error
		out, err = r.provider.Embed(ctx, texts)
		return err
	})
	return out, err
}

// EmbedSingle 为单个文本生成向量嵌入。
func (r *ResilientEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func(ctx context.Context) error {
		var err error
		out, err = r.provider.EmbedSingle(ctx, text)
		return err
	})
	return out, err
}

// Name 返回供应商名称。
func (r *ResilientEmbeddingProvider) Name() string {
	return r.provider.Name()
}

// Breaker 返回熔断器，用于监控。
func (r *ResilientEmbeddingProvider) Breaker() *CircuitBreaker {
	return r.cb
}

// ResilientChatProvider 带重试和熔断的 Chat Provider。
type ResilientChatProvider struct {
	provider llm.ChatProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientChatProvider 包装 Chat Provider。
func NewResilientChatProvider(provider llm.ChatProvider, retry *RetryConfig, cb *CircuitBreakerConfig) *ResilientChatProvider {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &ResilientChatProvider{provider: provider, retry: retry, cb: NewCircuitBreaker(cb)}
}

// Chat 进行多轮对话。
func (r *ResilientChatProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	var out string
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func(ctx context.Context) error {
		var err error
		out, err = r.provider.Chat(ctx, messages)
		return err
	})
	return out, err
}

// Name 返回供应商名称。
func (r *ResilientChatProvider) Name() string {
	return r.provider.Name()
}

// Breaker 返回熔断器，用于监控。
func (r *ResilientChatProvider) Breaker() *CircuitBreaker {
	return r.cb
}

// IsRetryableError 判断错误是否值得重试：网络错误、超时、429 与 5xx。
// 上下文结束、熔断打开、凭证缺失以及其它 4xx 不重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, llm.ErrMissingAPIKey) {
		return false
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

var (
	_ llm.EmbeddingProvider = (*ResilientEmbeddingProvider)(nil)
	_ llm.ChatProvider      = (*ResilientChatProvider)(nil)
)
