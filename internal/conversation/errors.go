package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/DeafMist/page-companion/internal/models"
)

var (
	ErrMissingSession = errors.New("session id is required")
	ErrEmptyQuestion  = errors.New("question is required")
	ErrNoAnswer       = errors.New("run completed without any message")
)

// RunError reports a run that ended in a terminal status other than completed.
type RunError struct {
	RunID   string
	Status  models.RunStatus
	Message string
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("assistant run %s ended with status %q: %s", e.RunID, e.Status, e.Message)
	}
	return fmt.Sprintf("assistant run %s ended with status %q", e.RunID, e.Status)
}

// RunTimeoutError reports a run still pending when the poll budget ran out.
type RunTimeoutError struct {
	RunID      string
	LastStatus models.RunStatus
	Reads      int
	Elapsed    time.Duration
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("assistant run %s still %q after %d status reads (%s)", e.RunID, e.LastStatus, e.Reads, e.Elapsed.Round(time.Millisecond))
}
