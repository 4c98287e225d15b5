// Package conversation owns the webpage-grounded dialogue: seeding a remote
// thread with page content, reading its history, and driving one assistant run
// per question until it reaches a terminal status.
package conversation

import (
	"context"

	"github.com/DeafMist/page-companion/internal/models"
)

// Backend is the remote thread/run service. ListMessages must return messages
// oldest first.
type Backend interface {
	CreateThread(ctx context.Context, seed string) (string, error)
	AddMessage(ctx context.Context, threadID, content string) error
	ListMessages(ctx context.Context, threadID string) ([]models.Message, error)
	CreateRun(ctx context.Context, threadID, assistantID string) (models.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (models.Run, error)
}
