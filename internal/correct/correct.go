// Package correct implements the transcript correction stage: the formatted
// transcript is sent to a language model, which fixes misrecognised words
// and returns the same bracketed-timestamp lines.
//
// The corrector only produces text. Parsing the reply and deciding whether
// to fall back to the raw transcript is the pipeline's job.
package correct

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PinQiH/speech-to-text/internal/glossary"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm"
)

const defaultTemperature = 0.1

// systemPrompt instructs the model to preserve the line structure. The
// optional script and glossary sections are appended by buildSystemPrompt.
const systemPrompt = `你是逐字稿校對助手。請檢查使用者提供的音訊逐字稿並修正其中的錯別字與聽寫錯誤。

規則：
- 每一行開頭的時間戳記 [start -> end] 與說話者標籤（例如 [SPEAKER_00]）必須原樣保留，不得修改、合併或刪除任何一行。
- 只修改時間戳記與標籤之後的文字部分。
- 不要加入任何說明、標題或 Markdown 格式，只輸出修正後的逐字稿。`

const traditionalChineseRule = `- 請將所有簡體中文字轉換為繁體中文字。`

// ErrEmptyTranscript is returned when there is nothing to correct.
var ErrEmptyTranscript = errors.New("correct: empty transcript")

// Option configures an [LLMCorrector].
type Option func(*LLMCorrector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *LLMCorrector) { c.temperature = temp }
}

// WithTraditionalChinese controls whether the model is told to convert
// Simplified Chinese characters to Traditional. Default: true.
func WithTraditionalChinese(on bool) Option {
	return func(c *LLMCorrector) { c.traditional = on }
}

// WithGlossary attaches a term list. Its terms, and any phrases that look
// like misheard terms, are listed in the prompt.
func WithGlossary(g *glossary.Glossary) Option {
	return func(c *LLMCorrector) { c.glossary = g }
}

// LLMCorrector corrects transcripts with an [llm.Provider] chosen per request
// by an [llm.Resolver]. It is safe for concurrent use.
type LLMCorrector struct {
	resolver    llm.Resolver
	temperature float64
	traditional bool
	glossary    *glossary.Glossary
}

// New returns an LLMCorrector.
func New(resolver llm.Resolver, opts ...Option) *LLMCorrector {
	c := &LLMCorrector{
		resolver:    resolver,
		temperature: defaultTemperature,
		traditional: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct sends formatted to the model and returns its reply verbatim.
// apiKey selects the provider; an empty key uses the configured default.
func (c *LLMCorrector) Correct(ctx context.Context, formatted, apiKey string) (string, error) {
	if strings.TrimSpace(formatted) == "" {
		return "", ErrEmptyTranscript
	}
	p, err := c.resolver.Resolve(ctx, apiKey)
	if err != nil {
		return "", fmt.Errorf("correct: resolve provider: %w", err)
	}

	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.buildSystemPrompt(formatted),
		Temperature:  c.temperature,
		Messages:     []llm.Message{llm.UserMessage("逐字稿內容：\n" + formatted)},
	})
	if err != nil {
		return "", fmt.Errorf("correct: complete: %w", err)
	}
	if resp == nil {
		return "", errors.New("correct: provider returned no response")
	}
	return resp.Content, nil
}

func (c *LLMCorrector) buildSystemPrompt(formatted string) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if c.traditional {
		sb.WriteByte('\n')
		sb.WriteString(traditionalChineseRule)
	}

	terms := c.glossary.Terms()
	if len(terms) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\n專有名詞（出現時請使用以下寫法）：\n")
	for _, t := range terms {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	if hints := c.glossary.Hints(formatted); len(hints) > 0 {
		sb.WriteString("\n可能聽錯的詞：\n")
		for _, h := range hints {
			fmt.Fprintf(&sb, "- %q 可能是 %q\n", h.Heard, h.Term)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
