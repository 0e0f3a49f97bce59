// Package llm provides LLM provider configuration options.
package llm

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/docchat/pkg/options"
)

var _ options.IOptions = (*ProviderOptions)(nil)

// ProviderOptions 定义 LLM 供应商配置，通过前缀区分 embedding 与 chat。
type ProviderOptions struct {
	// Provider 供应商名称（gemini, huggingface, ollama）。
	Provider string `json:"provider" mapstructure:"provider"`

	// BaseURL API 基础地址，为空时使用供应商默认值。
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// APIKey API 密钥，不会被序列化。
	APIKey string `json:"-" mapstructure:"api-key"`

	// Model 使用的模型名称。
	Model string `json:"model" mapstructure:"model"`

	// Timeout 单次请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries 传输层重试次数，默认 0。
	MaxRetries int `json:"max-retries" mapstructure:"max-retries"`

	// Extra 供应商特有参数，原样传给工厂。
	Extra map[string]string `json:"extra" mapstructure:"extra"`

	prefix string
}

// NewEmbeddingOptions 创建默认 Embedding 供应商配置，与索引构建时使用的模型一致。
func NewEmbeddingOptions() *ProviderOptions {
	return &ProviderOptions{
		Provider: "huggingface",
		Model:    "sentence-transformers/all-MiniLM-L6-v2",
		Timeout:  30 * time.Second,
		prefix:   "embedding",
	}
}

// NewChatOptions 创建默认 Chat 供应商配置。
func NewChatOptions() *ProviderOptions {
	return &ProviderOptions{
		Provider: "gemini",
		Model:    "gemini-2.5-flash",
		Timeout:  120 * time.Second,
		prefix:   "chat",
	}
}

// ToConfigMap 转换为供应商工厂使用的配置 map。apiKey 非空时覆盖配置中的密钥。
func (o *ProviderOptions) ToConfigMap(apiKey string) map[string]any {
	m := make(map[string]any, len(o.Extra)+6)
	for k, v := range o.Extra {
		m[k] = v
	}
	if apiKey == "" {
		apiKey = o.APIKey
	}
	m["base_url"] = o.BaseURL
	m["api_key"] = apiKey
	m["embed_model"] = o.Model
	m["chat_model"] = o.Model
	m["timeout"] = o.Timeout
	m["max_retries"] = o.MaxRetries
	return m
}

// AddFlags adds flags for LLM provider options to the specified FlagSet.
func (o *ProviderOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(append(prefixes, o.prefix)...)
	fs.StringVar(&o.Provider, p+"provider", o.Provider, "Provider name (gemini, huggingface, ollama).")
	fs.StringVar(&o.BaseURL, p+"base-url", o.BaseURL, "Provider API base URL; empty uses the provider default.")
	fs.StringVar(&o.APIKey, p+"api-key", o.APIKey, "Provider API key (prefer the environment variable).")
	fs.StringVar(&o.Model, p+"model", o.Model, "Model name.")
	fs.DurationVar(&o.Timeout, p+"timeout", o.Timeout, "Per-request timeout.")
	fs.IntVar(&o.MaxRetries, p+"max-retries", o.MaxRetries, "Transport-level retries inside the provider (0 disables).")
	fs.StringToStringVar(&o.Extra, p+"extra", o.Extra, "Provider specific settings (key=value).")
}

// Validate validates the LLM provider options.
func (o *ProviderOptions) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.Provider == "" {
		errs = append(errs, fmt.Errorf("%s.provider is required", o.prefix))
	}
	if o.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", o.prefix))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must be positive", o.prefix))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max-retries must not be negative", o.prefix))
	}
	return errs
}

// Complete completes the LLM provider options with defaults.
func (o *ProviderOptions) Complete() error {
	if o.Extra == nil {
		o.Extra = map[string]string{}
	}
	return nil
}
