package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DeafMist/page-companion/internal/extract"
	"github.com/DeafMist/page-companion/internal/openai"
	"github.com/DeafMist/page-companion/internal/processing"
)

const contextInstruction = "You answer questions about an article. Use only the article excerpt provided by the user. If the excerpt does not contain the answer, say so briefly."

// Completer is the single-shot chat completion used by ContextAnswerer.
type Completer interface {
	Complete(ctx context.Context, req openai.ChatRequest) (string, error)
}

// ContextAnswerer answers a question from caller-supplied text with one
// stateless completion. No thread is involved.
type ContextAnswerer struct {
	llm   Completer
	model string
}

// NewContextAnswerer returns a ContextAnswerer that asks model through llm.
func NewContextAnswerer(llm Completer, model string) *ContextAnswerer {
	return &ContextAnswerer{llm: llm, model: model}
}

// Answer replies to question using only contextText as grounding.
func (a *ContextAnswerer) Answer(ctx context.Context, contextText, question string) (string, error) {
	contextText = strings.TrimSpace(contextText)
	if contextText == "" {
		return "", errors.New("context is required")
	}
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}

	prompt := fmt.Sprintf("Article excerpt:\n%s\n\nQuestion: %s", processing.TruncateRunes(contextText, extract.MaxTextChars), question)
	answer, err := a.llm.Complete(ctx, openai.ChatRequest{
		Model: a.model,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: contextInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature: openai.Float(0.3),
		MaxTokens:   800,
	})
	if err != nil {
		return "", fmt.Errorf("answer from context: %w", err)
	}
	return answer, nil
}
