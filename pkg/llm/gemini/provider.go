// Package gemini 提供 Google Gemini LLM 供应商实现。
// 通过 Generative Language REST API 调用 generateContent 与 batchEmbedContents。
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kart-io/docchat/pkg/llm"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
	"github.com/kart-io/docchat/pkg/utils/json"
)

const ProviderName = "gemini"

// ErrEmptyResponse 模型未返回任何文本。
var ErrEmptyResponse = errors.New("gemini: empty response")

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Config Gemini 供应商配置。
type Config struct {
	// BaseURL API 基础地址。
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// APIKey Google AI API 密钥。
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// EmbedModel 用于生成嵌入的模型。
	EmbedModel string `json:"embed_model" mapstructure:"embed_model"`

	// ChatModel 用于对话的模型，可带或不带 "models/" 前缀。
	ChatModel string `json:"chat_model" mapstructure:"chat_model"`

	// Temperature 采样温度。
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	// MaxOutputTokens 单次回答的最大 token 数，0 表示使用服务端默认值。
	MaxOutputTokens int `json:"max_output_tokens" mapstructure:"max_output_tokens"`

	// Timeout 请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries 传输层重试次数，默认 0，重试策略交由调用方决定。
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
		EmbedModel:  "text-embedding-004",
		ChatModel:   "gemini-2.5-flash",
		Temperature: 0.7,
		Timeout:     120 * time.Second,
	}
}

// Provider Gemini 供应商实现。
type Provider struct {
	config *Config
	client *httpclient.Client
}

// NewProvider 从配置 map 创建 Gemini 供应商。
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	def := DefaultConfig()
	cfg := &Config{
		BaseURL:         llm.ConfigString(configMap, "base_url", def.BaseURL),
		APIKey:          llm.ConfigString(configMap, "api_key", ""),
		EmbedModel:      llm.ConfigString(configMap, "embed_model", def.EmbedModel),
		ChatModel:       llm.ConfigString(configMap, "chat_model", def.ChatModel),
		Temperature:     llm.ConfigFloat(configMap, "temperature", def.Temperature),
		MaxOutputTokens: llm.ConfigInt(configMap, "max_output_tokens", 0),
		Timeout:         llm.ConfigDuration(configMap, "timeout", def.Timeout),
		MaxRetries:      llm.ConfigInt(configMap, "max_retries", 0),
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrMissingAPIKey)
	}

	return NewProviderWithConfig(cfg), nil
}

// NewProviderWithConfig 使用结构化配置创建 Gemini 供应商。
func NewProviderWithConfig(cfg *Config) *Provider {
	cfg.ChatModel = strings.TrimPrefix(cfg.ChatModel, "models/")
	cfg.EmbedModel = strings.TrimPrefix(cfg.EmbedModel, "models/")
	return &Provider{
		config: cfg,
		client: httpclient.NewClient(cfg.Timeout, cfg.MaxRetries),
	}
}

// Name 返回供应商名称。
func (p *Provider) Name() string {
	return ProviderName
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type embedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embedContentRequest struct {
	Model   string  `json:"model"`
	Content content `json:"content"`
}

type embedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed 为多个文本生成向量嵌入。
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := embedRequest{Requests: make([]embedContentRequest, len(texts))}
	for i, text := range texts {
		reqBody.Requests[i] = embedContentRequest{
			Model:   "models/" + p.config.EmbedModel,
			Content: content{Parts: []part{{Text: text}}},
		}
	}

	var resp embedResponse
	path := fmt.Sprintf("/models/%s:batchEmbedContents", p.config.EmbedModel)
	if err := p.post(ctx, path, reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	embeddings := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// EmbedSingle 为单个文本生成向量嵌入。
func (p *Provider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

type chatRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type chatResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Chat 进行多轮对话。多个 system 消息按顺序合并为一条 systemInstruction。
func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	var (
		contents []content
		system   []part
	)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, part{Text: msg.Content})
		case llm.RoleUser:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		case llm.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: msg.Content}}})
		}
	}

	reqBody := chatRequest{
		Contents: contents,
		GenerationConfig: &generationConfig{
			Temperature:     p.config.Temperature,
			MaxOutputTokens: p.config.MaxOutputTokens,
		},
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &content{Parts: system}
	}

	var resp chatResponse
	path := fmt.Sprintf("/models/%s:generateContent", p.config.ChatModel)
	if err := p.post(ctx, path, reqBody, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, pt := range resp.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.config.APIKey)

	if err := p.client.DoJSON(req, out); err != nil {
		return fmt.Errorf("gemini: %w", err)
	}
	return nil
}
