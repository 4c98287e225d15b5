// Package speech converts answer text to mp3 audio.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DeafMist/page-companion/internal/openai"
	"github.com/DeafMist/page-companion/internal/processing"
)

// MaxInputChars is the upstream TTS input limit.
const MaxInputChars = 4096

const responseFormat = "mp3"

var errNothingToSay = errors.New("nothing to synthesize")

// Speaker is the TTS endpoint.
type Speaker interface {
	Speech(ctx context.Context, req openai.SpeechRequest) ([]byte, error)
}

// SynthesisError wraps a failed TTS call.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Synthesizer renders answer text to MP3 audio with a fixed model and voice.
type Synthesizer struct {
	client Speaker
	model  string
	voice  string
}

// New returns a Synthesizer that speaks through client.
func New(client Speaker, model, voice string) *Synthesizer {
	return &Synthesizer{client: client, model: model, voice: voice}
}

// Synthesize returns the audio bytes exactly as the endpoint produced them.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &SynthesisError{Err: errNothingToSay}
	}

	audio, err := s.client.Speech(ctx, openai.SpeechRequest{
		Model:          s.model,
		Input:          processing.TruncateRunes(text, MaxInputChars),
		Voice:          s.voice,
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	return audio, nil
}
