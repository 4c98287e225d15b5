package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/page-companion/internal/models"
)

const listPageSize = 100

type AssistantRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Model        string `json:"model"`
}

type threadMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type runObject struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	StartedAt *int64 `json:"started_at"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// CreateAssistant registers an assistant and returns its id.
func (c *Client) CreateAssistant(ctx context.Context, req AssistantRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/assistants", true, map[string]any{
		"name":         req.Name,
		"instructions": req.Instructions,
		"model":        req.Model,
		"tools":        []any{},
	}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("assistant response had no id")
	}
	return out.ID, nil
}

// CreateThread opens a thread seeded with one user message and returns its id.
func (c *Client) CreateThread(ctx context.Context, seed string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	payload := map[string]any{
		"messages": []ChatMessage{{Role: string(models.RoleUser), Content: seed}},
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", true, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("thread response had no id")
	}
	return out.ID, nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	payload := ChatMessage{Role: string(models.RoleUser), Content: content}
	return c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", true, payload, nil)
}

// ListMessages returns every message of a thread, oldest first. Pages are
// requested in ascending order and followed until has_more is false.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	var messages []models.Message
	after := ""
	for {
		query := url.Values{}
		query.Set("order", "asc")
		query.Set("limit", strconv.Itoa(listPageSize))
		if after != "" {
			query.Set("after", after)
		}

		var page struct {
			Data    []threadMessage `json:"data"`
			HasMore bool            `json:"has_more"`
			LastID  string          `json:"last_id"`
		}
		path := "/threads/" + url.PathEscape(threadID) + "/messages?" + query.Encode()
		if err := c.doJSON(ctx, http.MethodGet, path, true, nil, &page); err != nil {
			return nil, err
		}

		for _, m := range page.Data {
			messages = append(messages, m.toModel())
		}

		if !page.HasMore || len(page.Data) == 0 {
			return messages, nil
		}
		after = page.LastID
		if after == "" {
			after = page.Data[len(page.Data)-1].ID
		}
	}
}

// CreateRun starts the assistant on a thread.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (models.Run, error) {
	var out runObject
	payload := map[string]string{"assistant_id": assistantID}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", true, payload, &out); err != nil {
		return models.Run{}, err
	}
	if out.ID == "" {
		return models.Run{}, errors.New("run response had no id")
	}
	return out.toModel(threadID), nil
}

// GetRun reads the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (models.Run, error) {
	var out runObject
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, true, nil, &out); err != nil {
		return models.Run{}, err
	}
	return out.toModel(threadID), nil
}

func (m threadMessage) toModel() models.Message {
	parts := make([]string, 0, len(m.Content))
	for _, c := range m.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text.Value)
		}
	}
	return models.Message{
		Role:      models.Role(m.Role),
		Content:   strings.Join(parts, "\n"),
		Timestamp: time.Unix(m.CreatedAt, 0).UTC(),
	}
}

func (r runObject) toModel(threadID string) models.Run {
	run := models.Run{
		RunID:     r.ID,
		SessionID: r.ThreadID,
		Status:    models.RunStatus(r.Status),
		StartedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
	if run.SessionID == "" {
		run.SessionID = threadID
	}
	if r.StartedAt != nil {
		run.StartedAt = time.Unix(*r.StartedAt, 0).UTC()
	}
	if r.LastError != nil {
		run.LastError = r.LastError.Message
	}
	return run
}
