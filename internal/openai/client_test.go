package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/openai"
)

func newClient(t *testing.T, handler http.HandlerFunc) *openai.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return openai.New(openai.Config{APIKey: "test-key", BaseURL: server.URL + "/"})
}

func TestCompleteSuccess(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Empty(t, r.Header.Get("OpenAI-Beta"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body["model"])
		require.Equal(t, 0.7, body["temperature"])
		require.EqualValues(t, 2000, body["max_tokens"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "  Hello there \n"}}},
		})
	})

	got, err := client.Complete(context.Background(), openai.ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []openai.ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: openai.Float(0.7),
		MaxTokens:   2000,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there", got)
}

func TestCompleteUpstreamErrorKeepsBody(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})

	_, err := client.Complete(context.Background(), openai.ChatRequest{Model: "m"})
	var apiErr *openai.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "slow down", apiErr.Message)
	require.JSONEq(t, `{"error":{"message":"slow down"}}`, apiErr.Body)
}

func TestCompleteNoChoices(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := client.Complete(context.Background(), openai.ChatRequest{Model: "m"})
	require.ErrorIs(t, err, openai.ErrNoChoices)
}

func TestMissingAPIKeyDoesNotCallServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when API key is missing")
	}))
	defer server.Close()

	client := openai.New(openai.Config{BaseURL: server.URL})
	_, err := client.Complete(context.Background(), openai.ChatRequest{Model: "m"})
	require.EqualError(t, err, "missing API key for remote provider")
}

func TestCreateThreadSendsSeedMessage(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads", r.URL.Path)
		require.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))

		var body struct {
			Messages []openai.ChatMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []openai.ChatMessage{{Role: "user", Content: "seed"}}, body.Messages)

		_, _ = w.Write([]byte(`{"id":"thread_abc","created_at":1700000000}`))
	})

	id, err := client.CreateThread(context.Background(), "seed")
	require.NoError(t, err)
	require.Equal(t, "thread_abc", id)
}

func TestListMessagesFollowsPages(t *testing.T) {
	calls := 0
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread_abc/messages", r.URL.Path)
		require.Equal(t, "asc", r.URL.Query().Get("order"))
		calls++
		switch r.URL.Query().Get("after") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"msg_1","role":"user","created_at":100,"content":[{"type":"text","text":{"value":"seed"}}]}],"has_more":true,"last_id":"msg_1"}`))
		case "msg_1":
			_, _ = w.Write([]byte(`{"data":[{"id":"msg_2","role":"assistant","created_at":101,"content":[{"type":"text","text":{"value":"part one"}},{"type":"image_file"},{"type":"text","text":{"value":"part two"}}]}],"has_more":false,"last_id":"msg_2"}`))
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	})

	messages, err := client.ListMessages(context.Background(), "thread_abc")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, messages, 2)
	require.Equal(t, models.RoleUser, messages[0].Role)
	require.Equal(t, "seed", messages[0].Content)
	require.Equal(t, int64(100), messages[0].Timestamp.Unix())
	require.Equal(t, models.RoleAssistant, messages[1].Role)
	require.Equal(t, "part one\npart two", messages[1].Content)
}

func TestCreateAndGetRun(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_abc/runs":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "asst_1", body["assistant_id"])
			_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_abc","status":"queued","created_at":200}`))
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_abc/runs/run_1":
			_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_abc","status":"failed","created_at":200,"started_at":201,"last_error":{"code":"server_error","message":"boom"}}`))
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	run, err := client.CreateRun(context.Background(), "thread_abc", "asst_1")
	require.NoError(t, err)
	require.Equal(t, "run_1", run.RunID)
	require.Equal(t, models.RunQueued, run.Status)
	require.Equal(t, "thread_abc", run.SessionID)

	run, err = client.GetRun(context.Background(), "thread_abc", "run_1")
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, run.Status)
	require.Equal(t, int64(201), run.StartedAt.Unix())
	require.Equal(t, "boom", run.LastError)
}

func TestSpeechReturnsRawBytes(t *testing.T) {
	audio := []byte{0xff, 0xfb, 0x90, 0x00, 0x01}
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/speech", r.URL.Path)
		var body openai.SpeechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "mp3", body.ResponseFormat)
		require.Equal(t, "alloy", body.Voice)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	})

	got, err := client.Speech(context.Background(), openai.SpeechRequest{Model: "tts-1", Input: "hi", Voice: "alloy", ResponseFormat: "mp3"})
	require.NoError(t, err)
	require.Equal(t, audio, got)
}
