package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/openai"
)

const systemInstruction = "You are an expert at analyzing articles and breaking them down into clear, logical sections. " +
	"For each section, provide a title and a concise summary of the content. " +
	"Format each section with a title on one line, followed by the content on subsequent lines. " +
	"Separate sections with blank lines."

const (
	temperature = 0.7
	maxTokens   = 2000
)

var headingMarker = regexp.MustCompile(`^#+\s*`)

var errNoSections = errors.New("reply contained no sections")

// Completer is the chat completion call the segmenter depends on.
type Completer interface {
	Complete(ctx context.Context, req openai.ChatRequest) (string, error)
}

// SegmentationError wraps an upstream completion failure. Status and Body are
// filled when the upstream answered with an HTTP error.
type SegmentationError struct {
	Status string
	Body   string
	Err    error
}

func (e *SegmentationError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("segment article: upstream %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("segment article: %v", e.Err)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// Segmenter splits article text into titled sections with one chat completion.
type Segmenter struct {
	llm   Completer
	model string
	log   *slog.Logger
}

// New returns a Segmenter that asks model through llm. A nil log discards output.
func New(llm Completer, model string, log *slog.Logger) *Segmenter {
	return &Segmenter{llm: llm, model: model, log: logger.OrDiscard(log)}
}

// Segment asks the model to break text into titled sections and parses the reply.
func (s *Segmenter) Segment(ctx context.Context, text string) ([]models.ArticleSection, error) {
	reply, err := s.llm.Complete(ctx, openai.ChatRequest{
		Model: s.model,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: "Please analyze this article and break it down into sections:\n\n" + text},
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		segErr := &SegmentationError{Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			segErr.Status = apiErr.Status
			segErr.Body = apiErr.Body
		}
		s.log.Warn("segmentation failed", slog.Any("err", err), slog.String("upstream_body", segErr.Body))
		return nil, segErr
	}

	sections := Parse(reply)
	if strings.TrimSpace(reply) != "" && len(sections) == 0 {
		s.log.Warn("segmentation reply had no sections", slog.Int("reply_chars", len(reply)))
		return nil, &SegmentationError{Err: errNoSections}
	}
	s.log.Debug("article segmented", slog.Int("sections", len(sections)))
	return sections, nil
}

// Parse turns a model reply into sections. Blocks are separated by a blank
// line; the first line of a block is its title, minus any markdown heading
// markers, and the rest is its content. Blocks missing either part are dropped
// and ids are assigned afterwards, contiguous from 1.
func Parse(reply string) []models.ArticleSection {
	reply = strings.ReplaceAll(reply, "\r\n", "\n")

	sections := make([]models.ArticleSection, 0)
	for _, block := range strings.Split(reply, "\n\n") {
		title, content, _ := strings.Cut(block, "\n")
		title = strings.TrimSpace(headingMarker.ReplaceAllString(strings.TrimSpace(title), ""))
		content = strings.TrimSpace(content)
		if title == "" || content == "" {
			continue
		}
		sections = append(sections, models.ArticleSection{
			ID:      len(sections) + 1,
			Title:   title,
			Content: content,
		})
	}
	return sections
}
