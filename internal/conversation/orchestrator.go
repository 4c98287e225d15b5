package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/metrics"
	"github.com/DeafMist/page-companion/internal/models"
)

// PollPolicy bounds how long Ask waits for a run. Zero MaxAttempts or MaxWait
// means no limit on that axis.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	MaxWait     time.Duration
}

// DefaultPollPolicy polls once a second for at most two minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second, MaxAttempts: 120, MaxWait: 2 * time.Minute}
}

// Synthesizer turns answer text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Options configures an Orchestrator. Speech, Metrics and Log are optional.
type Options struct {
	AssistantID string
	Poll        PollPolicy
	Speech      Synthesizer
	Metrics     *metrics.Recorder
	Log         *slog.Logger
}

// Orchestrator runs the ask cycle: append the question, start a run, poll it to
// a terminal status and read the newest message as the answer. Asks on the same
// session are serialized.
type Orchestrator struct {
	backend     Backend
	assistantID string
	poll        PollPolicy
	speech      Synthesizer
	metrics     *metrics.Recorder
	log         *slog.Logger
	locks       *sessionLocks

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates opts and returns an Orchestrator bound to backend.
func NewOrchestrator(backend Backend, opts Options) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("conversation backend is required")
	}
	if strings.TrimSpace(opts.AssistantID) == "" {
		return nil, errors.New("assistant id is required")
	}
	if opts.Poll.Interval < 0 {
		return nil, fmt.Errorf("poll interval must not be negative, got %s", opts.Poll.Interval)
	}
	return &Orchestrator{
		backend:     backend,
		assistantID: opts.AssistantID,
		poll:        opts.Poll,
		speech:      opts.Speech,
		metrics:     opts.Metrics,
		log:         logger.OrDiscard(opts.Log),
		locks:       newSessionLocks(),
		now:         time.Now,
		wait:        sleepContext,
	}, nil
}

// Ask answers question within sessionID. A speech failure never fails the ask;
// it is reported through AnswerArtifact.SpeechErr.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string) (models.AnswerArtifact, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return models.AnswerArtifact{}, ErrMissingSession
	}
	if strings.TrimSpace(question) == "" {
		return models.AnswerArtifact{}, ErrEmptyQuestion
	}

	release, err := o.locks.acquire(ctx, sessionID)
	if err != nil {
		return models.AnswerArtifact{}, err
	}
	defer release()

	if err := o.backend.AddMessage(ctx, sessionID, question); err != nil {
		return models.AnswerArtifact{}, fmt.Errorf("append question: %w", err)
	}

	run, err := o.backend.CreateRun(ctx, sessionID, o.assistantID)
	if err != nil {
		return models.AnswerArtifact{}, fmt.Errorf("create run: %w", err)
	}

	run, reads, err := o.await(ctx, sessionID, run)

	var timeout *RunTimeoutError
	switch {
	case errors.As(err, &timeout):
		o.metrics.Run("timeout", reads)
		o.log.Warn("run timed out",
			slog.String("session_id", sessionID),
			slog.String("run_id", run.RunID),
			slog.Int("reads", reads),
		)
		return models.AnswerArtifact{}, err
	case err != nil:
		return models.AnswerArtifact{}, err
	}
	o.metrics.Run(string(run.Status), reads)

	if run.Status != models.RunCompleted {
		o.log.Warn("run did not complete",
			slog.String("session_id", sessionID),
			slog.String("run_id", run.RunID),
			slog.String("status", string(run.Status)),
		)
		return models.AnswerArtifact{}, &RunError{RunID: run.RunID, Status: run.Status, Message: run.LastError}
	}

	messages, err := o.backend.ListMessages(ctx, sessionID)
	if err != nil {
		return models.AnswerArtifact{}, fmt.Errorf("list messages: %w", err)
	}
	answer, ok := latest(messages)
	if !ok {
		return models.AnswerArtifact{}, ErrNoAnswer
	}

	artifact := models.AnswerArtifact{Text: answer.Content}
	if o.speech != nil && artifact.Text != "" {
		audio, err := o.speech.Synthesize(ctx, artifact.Text)
		o.metrics.Speech(err)
		if err != nil {
			o.log.Warn("speech synthesis failed", slog.String("session_id", sessionID), slog.Any("err", err))
			artifact.SpeechErr = err
		} else {
			artifact.Audio = audio
		}
	}
	return artifact, nil
}

// await reads the run status right away and then once per interval while the
// run is pending.
func (o *Orchestrator) await(ctx context.Context, sessionID string, run models.Run) (models.Run, int, error) {
	start := o.now()
	reads := 0
	for {
		current, err := o.backend.GetRun(ctx, sessionID, run.RunID)
		reads++
		if err != nil {
			return run, reads, fmt.Errorf("read run status: %w", err)
		}
		run = current
		if !run.Status.Pending() {
			return run, reads, nil
		}

		if o.poll.MaxWait > 0 && o.now().Sub(start) >= o.poll.MaxWait {
			return run, reads, o.timeout(run, reads, start)
		}
		if o.poll.MaxAttempts > 0 && reads >= o.poll.MaxAttempts {
			return run, reads, o.timeout(run, reads, start)
		}
		if err := o.wait(ctx, o.poll.Interval); err != nil {
			return run, reads, err
		}
	}
}

func (o *Orchestrator) timeout(run models.Run, reads int, start time.Time) error {
	return &RunTimeoutError{
		RunID:      run.RunID,
		LastStatus: run.Status,
		Reads:      reads,
		Elapsed:    o.now().Sub(start),
	}
}

// latest picks the newest message; on equal timestamps the later one in list
// order wins.
func latest(messages []models.Message) (models.Message, bool) {
	if len(messages) == 0 {
		return models.Message{}, false
	}
	best := messages[0]
	for _, m := range messages[1:] {
		if !m.Timestamp.Before(best.Timestamp) {
			best = m
		}
	}
	return best, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
