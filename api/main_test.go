package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/page-companion/internal/config"
	"github.com/DeafMist/page-companion/internal/events"
	"github.com/DeafMist/page-companion/internal/metrics"
)

func testAPIConfig() *config.API {
	return &config.API{
		BindAddr:     "127.0.0.1:0",
		WriteTimeout: time.Minute,
		FetchTimeout: 5 * time.Second,
		LLM: config.LLM{
			Mode:         config.LLMModeLocal,
			Timeout:      5 * time.Second,
			SegmentModel: "gpt-4o-mini",
		},
		Poll:        config.Poll{Interval: time.Millisecond, MaxAttempts: 10, MaxWait: time.Second},
		DefaultPage: 20,
		MaxPage:     100,
	}
}

func TestNewServerLocalModeAnswers(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>Fetch</title></head><body><main>  Hello   world  </main></body></html>`)
	}))
	defer page.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := newServer(context.Background(), testAPIConfig(), log, metrics.New())
	require.NoError(t, err)
	require.Nil(t, srv.pages)
	require.IsType(t, events.Nop{}, srv.publisher)

	handler := srv.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/start-conversation", strings.NewReader(`{"url":"`+page.URL+`"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var started startConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, "Fetch", started.Title)
	require.NotEmpty(t, started.SessionID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask-question", strings.NewReader(`{"sessionId":"`+started.SessionID+`","question":"What is it?"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var answer answerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	require.Contains(t, answer.Answer, "What is it?")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversation/"+started.SessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var history historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 3)
	require.Contains(t, history.Messages[0].Content, "Hello world")
}

func TestNewServerLocalModeWithoutSegmentKey(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := newServer(context.Background(), testAPIConfig(), log, nil)
	require.NoError(t, err)

	_, err = srv.answerer.Answer(context.Background(), "text", "q")
	require.ErrorIs(t, err, errNoRemoteModel)
}

func TestNewServerRemoteModeCreatesAssistantOnce(t *testing.T) {
	var created int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assistants", r.URL.Path)
		require.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		created++
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"asst_123"}`)
	}))
	defer upstream.Close()

	cfg := testAPIConfig()
	cfg.LLM.Mode = config.LLMModeRemote
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.BaseURL = upstream.URL
	cfg.LLM.SegmentAPIKey = "sk-test"
	cfg.LLM.SegmentBaseURL = upstream.URL
	cfg.LLM.AssistantModel = "gpt-4o-mini"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := newServer(context.Background(), cfg, log, nil)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	cfg.LLM.AssistantID = "asst_configured"
	_, err = newServer(context.Background(), cfg, log, nil)
	require.NoError(t, err)
	require.Equal(t, 1, created)
}
