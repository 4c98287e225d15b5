package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationSession binds one remote thread to the document it was seeded with.
type ConversationSession struct {
	SessionID      string          `json:"sessionId"`
	SourceDocument WebpageDocument `json:"sourceDocument"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Pending reports whether the run has not reached a terminal status yet.
// Statuses outside the known set are treated as terminal.
func (s RunStatus) Pending() bool {
	return s == RunQueued || s == RunInProgress
}

// Run is one question-answering job against a session. It is never persisted.
type Run struct {
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// AnswerArtifact is the resolved answer text plus optional synthesized audio.
// Audio is nil when speech is disabled or synthesis failed; SpeechErr holds the
// failure in the latter case.
type AnswerArtifact struct {
	Text      string `json:"text"`
	Audio     []byte `json:"audio,omitempty"`
	SpeechErr error  `json:"-"`
}
