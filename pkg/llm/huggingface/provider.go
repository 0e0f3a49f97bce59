// Package huggingface 提供 HuggingFace Inference API 供应商实现。
// Embedding 走 feature-extraction 管道，兼容自建的 text-embeddings-inference 服务。
package huggingface

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kart-io/docchat/pkg/llm"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
	"github.com/kart-io/docchat/pkg/utils/json"
)

// ProviderName 是 HuggingFace 供应商的名称标识符
const ProviderName = "huggingface"

// DefaultEmbedModel 默认的句向量模型，维度 384。
const DefaultEmbedModel = "sentence-transformers/all-MiniLM-L6-v2"

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Config HuggingFace 供应商配置。
type Config struct {
	// BaseURL API 基础地址。
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// APIKey HuggingFace API Token，自建服务可留空。
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// EmbedModel 用于生成嵌入的模型 ID。
	EmbedModel string `json:"embed_model" mapstructure:"embed_model"`

	// ChatModel 用于对话的模型 ID。
	ChatModel string `json:"chat_model" mapstructure:"chat_model"`

	// Timeout 请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries 传输层重试次数。
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// WaitForModel 如果模型正在加载，是否等待。
	WaitForModel bool `json:"wait_for_model" mapstructure:"wait_for_model"`

	// Normalize 是否对向量做 L2 归一化。
	Normalize bool `json:"normalize" mapstructure:"normalize"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://api-inference.huggingface.co",
		EmbedModel:   DefaultEmbedModel,
		ChatModel:    "mistralai/Mistral-7B-Instruct-v0.2",
		Timeout:      60 * time.Second,
		WaitForModel: true,
		Normalize:    true,
	}
}

// Provider HuggingFace 供应商实现。
type Provider struct {
	config *Config
	client *httpclient.Client
}

// NewProvider 从配置 map 创建 HuggingFace 供应商。
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	def := DefaultConfig()
	cfg := &Config{
		BaseURL:      strings.TrimRight(llm.ConfigString(configMap, "base_url", def.BaseURL), "/"),
		APIKey:       llm.ConfigString(configMap, "api_key", ""),
		EmbedModel:   llm.ConfigString(configMap, "embed_model", def.EmbedModel),
		ChatModel:    llm.ConfigString(configMap, "chat_model", def.ChatModel),
		Timeout:      llm.ConfigDuration(configMap, "timeout", def.Timeout),
		MaxRetries:   llm.ConfigInt(configMap, "max_retries", 0),
		WaitForModel: llm.ConfigBool(configMap, "wait_for_model", def.WaitForModel),
		Normalize:    llm.ConfigBool(configMap, "normalize", def.Normalize),
	}
	if llm.ConfigBool(configMap, "require_api_key", false) && cfg.APIKey == "" {
		return nil, fmt.Errorf("huggingface: %w", llm.ErrMissingAPIKey)
	}
	return NewProviderWithConfig(cfg), nil
}

// NewProviderWithConfig 使用结构化配置创建 HuggingFace 供应商。
func NewProviderWithConfig(cfg *Config) *Provider {
	return &Provider{
		config: cfg,
		client: httpclient.NewClient(cfg.Timeout, cfg.MaxRetries),
	}
}

// Name 返回供应商名称。
func (p *Provider) Name() string {
	return ProviderName
}

type embeddingRequest struct {
	Inputs  []string       `json:"inputs"`
	Options *requestOption `json:"options,omitempty"`
}

type requestOption struct {
	WaitForModel bool `json:"wait_for_model,omitempty"`
}

// Embed 为多个文本生成向量嵌入。
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := embeddingRequest{Inputs: texts}
	if p.config.WaitForModel {
		reqBody.Options = &requestOption{WaitForModel: true}
	}

	url := fmt.Sprintf("%s/pipeline/feature-extraction/%s", p.config.BaseURL, p.config.EmbedModel)
	req, err := p.newRequest(ctx, url, reqBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.DoRequest(req)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := httpclient.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}

	embeddings, err := decodeEmbeddings(raw)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("huggingface: expected %d embeddings, got %d", len(texts), len(embeddings))
	}
	if p.config.Normalize {
		for _, v := range embeddings {
			normalize(v)
		}
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

// decodeEmbeddings 解析 [][]float32；部分模型返回 token 级别的 [][][]float32，需要做均值池化。
func decodeEmbeddings(raw []byte) ([][]float32, error) {
	var embeddings [][]float32
	err := json.Unmarshal(raw, &embeddings)
	if err == nil {
		return embeddings, nil
	}

	var tokenEmbeddings [][][]float32
	if err2 := json.Unmarshal(raw, &tokenEmbeddings); err2 != nil {
		return nil, fmt.Errorf("huggingface: decode embeddings: %w", err)
	}

	embeddings = make([][]float32, len(tokenEmbeddings))
	for i, tokens := range tokenEmbeddings {
		if len(tokens) == 0 {
			return nil, fmt.Errorf("huggingface: empty token embedding at %d", i)
		}
		pooled := make([]float32, len(tokens[0]))
		for k, token := range tokens {
			if len(token) != len(pooled) {
				return nil, fmt.Errorf("huggingface: token %d of embedding %d has dimension %d, want %d",
					k, i, len(token), len(pooled))
			}
			for j, v := range token {
				pooled[j] += v
			}
		}
		for j := range pooled {
			pooled[j] /= float32(len(tokens))
		}
		embeddings[i] = pooled
	}
	return embeddings, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

type generateRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters generateParams `json:"parameters"`
	Options    *requestOption `json:"options,omitempty"`
}

type generateParams struct {
	MaxNewTokens   int     `json:"max_new_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	ReturnFullText bool    `json:"return_full_text"`
}

type generateResponse struct {
	GeneratedText string `json:"generated_text"`
}

// Chat 将消息格式化为 [INST] 对话模板后调用 text-generation。
func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	reqBody := generateRequest{
		Inputs: formatMessages(messages),
		Parameters: generateParams{
			MaxNewTokens: 1024,
			Temperature:  0.7,
		},
	}
	if p.config.WaitForModel {
		reqBody.Options = &requestOption{WaitForModel: true}
	}

	req, err := p.newRequest(ctx, fmt.Sprintf("%s/models/%s", p.config.BaseURL, p.config.ChatModel), reqBody)
	if err != nil {
		return "", err
	}

	var responses []generateResponse
	if err := p.client.DoJSON(req, &responses); err != nil {
		return "", fmt.Errorf("huggingface: %w", err)
	}
	if len(responses) == 0 || strings.TrimSpace(responses[0].GeneratedText) == "" {
		return "", fmt.Errorf("huggingface: empty response")
	}
	return strings.TrimSpace(responses[0].GeneratedText), nil
}

// formatMessages system 消息并入第一条用户指令。
func formatMessages(messages []llm.Message) string {
	var (
		sb     strings.Builder
		system []string
	)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleUser:
			content := msg.Content
			if len(system) > 0 {
				content = strings.Join(system, "\n\n") + "\n\n" + content
				system = nil
			}
			fmt.Fprintf(&sb, "[INST] %s [/INST]", content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, " %s\n", msg.Content)
		}
	}
	return sb.String()
}

func (p *Provider) newRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("huggingface: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return req, nil
}
