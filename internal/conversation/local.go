package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/page-companion/internal/models"
)

var ErrThreadNotFound = errors.New("thread not found")

// LocalBackend is an in-memory Backend for running without a remote provider.
// Each status read advances a run one step: queued, in_progress, completed.
// The assistant message is appended when the run completes.
type LocalBackend struct {
	mu      sync.Mutex
	threads map[string]*localThread
	reply   func(question string) string
	now     func() time.Time
}

type localThread struct {
	messages []models.Message
	runs     map[string]*localRun
}

type localRun struct {
	run      models.Run
	question string
}

// NewLocalBackend returns a backend whose answers come from reply. A nil reply
// echoes the question back.
func NewLocalBackend(reply func(question string) string) *LocalBackend {
	if reply == nil {
		reply = func(question string) string {
			return fmt.Sprintf("Local mode has no language model attached. You asked: %s", question)
		}
	}
	return &LocalBackend{
		threads: make(map[string]*localThread),
		reply:   reply,
		now:     time.Now,
	}
}

func (b *LocalBackend) CreateThread(_ context.Context, seed string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "thread_" + uuid.NewString()
	t := &localThread{runs: make(map[string]*localRun)}
	if strings.TrimSpace(seed) != "" {
		t.messages = append(t.messages, models.Message{Role: models.RoleUser, Content: seed, Timestamp: b.now().UTC()})
	}
	b.threads[id] = t
	return id, nil
}

func (b *LocalBackend) AddMessage(_ context.Context, threadID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	t.messages = append(t.messages, models.Message{Role: models.RoleUser, Content: content, Timestamp: b.now().UTC()})
	return nil
}

func (b *LocalBackend) ListMessages(_ context.Context, threadID string) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out, nil
}

func (b *LocalBackend) CreateRun(_ context.Context, threadID, _ string) (models.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.threads[threadID]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	var question string
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == models.RoleUser {
			question = t.messages[i].Content
			break
		}
	}

	r := &localRun{
		run: models.Run{
			RunID:     "run_" + uuid.NewString(),
			SessionID: threadID,
			Status:    models.RunQueued,
			StartedAt: b.now().UTC(),
		},
		question: question,
	}
	t.runs[r.run.RunID] = r
	return r.run, nil
}

func (b *LocalBackend) GetRun(_ context.Context, threadID, runID string) (models.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.threads[threadID]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	r, ok := t.runs[runID]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s not found in thread %s", runID, threadID)
	}

	switch r.run.Status {
	case models.RunQueued:
		r.run.Status = models.RunInProgress
	case models.RunInProgress:
		r.run.Status = models.RunCompleted
		t.messages = append(t.messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   b.reply(r.question),
			Timestamp: b.now().UTC(),
		})
	}
	return r.run, nil
}
