package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/DeafMist/page-companion/internal/extract"
	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/processing"
)

const seedPrompt = "Please analyze this webpage content and prepare to answer questions about it.\n\nTitle: %s\nURL: %s\nContent: %s"

// Sessions creates one remote thread per analyzed page and reads thread history.
// It keeps no local message cache.
type Sessions struct {
	backend Backend
	log     *slog.Logger
	now     func() time.Time
}

// NewSessions returns a Sessions backed by backend. A nil log discards output.
func NewSessions(backend Backend, log *slog.Logger) *Sessions {
	return &Sessions{backend: backend, log: logger.OrDiscard(log), now: time.Now}
}

// Create seeds a new thread with doc and returns the session bound to it.
func (s *Sessions) Create(ctx context.Context, doc models.WebpageDocument) (models.ConversationSession, error) {
	seed := fmt.Sprintf(seedPrompt, doc.Title, doc.URL, processing.TruncateRunes(doc.CleanedText, extract.MaxTextChars))

	threadID, err := s.backend.CreateThread(ctx, seed)
	if err != nil {
		return models.ConversationSession{}, fmt.Errorf("create thread: %w", err)
	}

	s.log.Info("session created", slog.String("session_id", threadID), slog.String("url", doc.URL))
	return models.ConversationSession{
		SessionID:      threadID,
		SourceDocument: doc,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// History returns every message of the session, oldest first.
func (s *Sessions) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	messages, err := s.backend.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}
