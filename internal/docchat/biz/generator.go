package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/tracing"
	"github.com/kart-io/docchat/pkg/llm"
)

// GenerationRequest 一次生成调用的完整输入。
type GenerationRequest struct {
	// SystemPrompt 系统提示词。
	SystemPrompt string
	// History 本轮之前的对话轮次。
	History []Turn
	// Context 检索得到的上下文文档块，保留来源信息。
	Context []store.ScoredChunk
	// Instruction 组合后的指令，作为最后一条用户消息。
	Instruction string
}

// Messages 将请求展开为聊天消息序列：
// 系统提示词、历史轮次、最后一条用户消息（上下文块 + 指令）。
// 失败提交留下的未回答用户轮次会与其后的用户消息合并，保证用户与助手交替出现。
func (r *GenerationRequest) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.SystemPrompt})
	}
	for _, t := range r.History {
		msgs = appendMessage(msgs, t.Role, t.Content)
	}

	var sb strings.Builder
	sb.WriteString(FormatContext(r.Context))
	sb.WriteString("\n\n")
	sb.WriteString(r.Instruction)
	return appendMessage(msgs, llm.RoleUser, sb.String())
}

func appendMessage(msgs []llm.Message, role llm.Role, content string) []llm.Message {
	if n := len(msgs); n > 0 && role == llm.RoleUser && msgs[n-1].Role == llm.RoleUser {
		msgs[n-1].Content += "\n\n" + content
		return msgs
	}
	return append(msgs, llm.Message{Role: role, Content: content})
}

// FormatContext 将文档块格式化为带编号与来源的上下文段落。
func FormatContext(chunks []store.ScoredChunk) string {
	if len(chunks) == 0 {
		return "Konteks dokumen: (tidak ada dokumen yang relevan ditemukan)"
	}
	var sb strings.Builder
	sb.WriteString("Konteks dokumen:\n")
	for i, c := range chunks {
		source := c.Source
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&sb, "\n[%d] Sumber: %s (chunk %s)\n%s\n", i+1, source, c.ID, strings.TrimSpace(c.Text))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Generator 根据生成请求产出答案。
type Generator interface {
	Generate(ctx context.Context, req *GenerationRequest) (string, error)
}

// LLMGenerator 基于 llm.ChatProvider 的生成器实现。
type LLMGenerator struct {
	chat    llm.ChatProvider
	timeout time.Duration
	metrics *metrics.Metrics
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator 创建生成器。timeout 为 0 表示只受调用方 ctx 限制。
func NewLLMGenerator(chat llm.ChatProvider, timeout time.Duration, m *metrics.Metrics) *LLMGenerator {
	return &LLMGenerator{chat: chat, timeout: timeout, metrics: m}
}

// Generate 调用 LLM。超时返回 ErrGenerationTimeout，其余失败与空输出返回 ErrGeneration，
// 均保留底层原因。
func (g *LLMGenerator) Generate(ctx context.Context, req *GenerationRequest) (_ string, err error) {
	ctx, span := tracing.Start(ctx, "docchat.generate",
		attribute.String("docchat.chat_provider", g.chat.Name()),
		attribute.Int("docchat.history_turns", len(req.History)),
		attribute.Int("docchat.context_chunks", len(req.Context)),
	)
	defer func() { tracing.End(span, err) }()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	answer, err := g.chat.Chat(ctx, req.Messages())
	elapsed := time.Since(start)
	g.metrics.RecordGeneration(elapsed)

	if err != nil {
		logger.Warnw("generation failed", "provider", g.chat.Name(), "elapsed", elapsed, "error", err)
		return "", classifyGenerationError(ctx, err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", errors.ErrGeneration.WithMessage("LLM provider returned an empty response")
	}

	span.SetAttributes(attribute.Int("docchat.answer_bytes", len(answer)))
	logger.Debugw("generation finished", "provider", g.chat.Name(), "elapsed", elapsed)
	return answer, nil
}

func classifyGenerationError(ctx context.Context, err error) error {
	if errors.IsCode(err, errors.ErrGeneration.Code) || errors.IsCode(err, errors.ErrGenerationTimeout.Code) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.ErrGenerationTimeout.WithCause(err)
	}
	return errors.ErrGeneration.WithCause(err)
}
