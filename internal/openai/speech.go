package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type SpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Speech returns the encoded audio produced for req.Input.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, "/audio/speech", false, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech response was empty")
	}
	return audio, nil
}
