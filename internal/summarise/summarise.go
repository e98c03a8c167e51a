// Package summarise produces the key-point summary of a finished transcript.
package summarise

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PinQiH/speech-to-text/pkg/provider/llm"
)

// summaryPrompt asks for one key point per line, each anchored to the time
// range it covers.
const summaryPrompt = `請根據使用者提供的音訊逐字稿，整理出主要的關鍵重點或重要段落，並為每個重點標註大致的起始與結束時間。
每個重點一行，格式如下：
[起始時間s -> 結束時間s] 摘要內容
只輸出重點列表，不要加入其他說明。`

// ErrEmptyTranscript is returned when there is nothing to summarise.
var ErrEmptyTranscript = errors.New("summarise: empty transcript")

// Summariser turns a formatted transcript into a summary.
type Summariser interface {
	Summarize(ctx context.Context, formatted, apiKey string) (string, error)
}

// LLMSummariser uses a language model to summarise transcripts.
type LLMSummariser struct {
	resolver    llm.Resolver
	temperature float64
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a new [LLMSummariser] that picks its provider per
// request through resolver.
func NewLLMSummariser(resolver llm.Resolver) *LLMSummariser {
	return &LLMSummariser{resolver: resolver, temperature: 0.3}
}

// Summarize returns the model's summary of formatted.
func (s *LLMSummariser) Summarize(ctx context.Context, formatted, apiKey string) (string, error) {
	if strings.TrimSpace(formatted) == "" {
		return "", ErrEmptyTranscript
	}
	p, err := s.resolver.Resolve(ctx, apiKey)
	if err != nil {
		return "", fmt.Errorf("summarise: resolve provider: %w", err)
	}

	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{llm.UserMessage("逐字稿內容：\n" + formatted)},
		Temperature:  s.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if resp == nil {
		return "", errors.New("summarise: provider returned no response")
	}
	return strings.TrimSpace(resp.Content), nil
}
