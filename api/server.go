package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/page-companion/internal/conversation"
	"github.com/DeafMist/page-companion/internal/elasticsearch"
	"github.com/DeafMist/page-companion/internal/events"
	"github.com/DeafMist/page-companion/internal/extract"
	"github.com/DeafMist/page-companion/internal/metrics"
	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/openai"
	"github.com/DeafMist/page-companion/internal/segment"
)

const (
	maxRequestBody = 1 << 20
	publishTimeout = 5 * time.Second
)

type extractor interface {
	Extract(ctx context.Context, url string) (models.WebpageDocument, error)
}

type segmenter interface {
	Segment(ctx context.Context, text string) ([]models.ArticleSection, error)
}

type sessionStore interface {
	Create(ctx context.Context, doc models.WebpageDocument) (models.ConversationSession, error)
	History(ctx context.Context, sessionID string) ([]models.Message, error)
}

type asker interface {
	Ask(ctx context.Context, sessionID, question string) (models.AnswerArtifact, error)
}

type contextAnswerer interface {
	Answer(ctx context.Context, contextText, question string) (string, error)
}

type pageIndex interface {
	SearchPages(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
	Health(ctx context.Context) error
}

type server struct {
	log       *slog.Logger
	extractor extractor
	segmenter segmenter
	sessions  sessionStore
	asker     asker
	answerer  contextAnswerer
	publisher events.Publisher
	metrics   *metrics.Recorder

	// pages is nil when search is disabled.
	pages       pageIndex
	defaultPage int
	maxPage     int
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/start-conversation", s.handleStartConversation)
		r.Post("/ask-question", s.handleAskQuestion)
		r.Get("/conversation/{sessionId}", s.handleConversation)
		r.Post("/process-article", s.handleProcessArticle)
		r.Get("/pages", s.handleSearchPages)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	// Status is the terminal run status, or "timeout".
	Status         string `json:"status,omitempty"`
	UpstreamStatus string `json:"upstreamStatus,omitempty"`
}

// requestBody covers every accepted JSON input. threadId is the older name of
// sessionId.
type requestBody struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
	Question  string `json:"question"`
	Context   string `json:"context"`
}

func (b requestBody) session() string {
	if id := strings.TrimSpace(b.SessionID); id != "" {
		return id
	}
	return strings.TrimSpace(b.ThreadID)
}

type startConversationResponse struct {
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
	Title     string `json:"title"`
	URL       string `json:"url"`
}

type answerResponse struct {
	Answer    string `json:"answer"`
	Audio     string `json:"audio,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type historyMessage struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
}

type sectionsResponse struct {
	Sections []models.ArticleSection `json:"sections"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pages != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pages.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	url := strings.TrimSpace(body.URL)
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "URL is required"})
		return
	}

	doc, err := s.extract(r.Context(), url)
	if err != nil {
		s.writeError(w, err)
		return
	}

	session, err := s.sessions.Create(r.Context(), doc)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.publish(r.Context(), events.FromDocument(doc, events.OriginConversation, session.SessionID, nil))
	writeJSON(w, http.StatusOK, startConversationResponse{
		SessionID: session.SessionID,
		ThreadID:  session.SessionID,
		Title:     doc.Title,
		URL:       doc.URL,
	})
}

func (s *server) handleAskQuestion(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	sessionID := body.session()
	if sessionID == "" || strings.TrimSpace(body.Question) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sessionId and question are required"})
		return
	}

	artifact, err := s.asker.Ask(r.Context(), sessionID, body.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAnswerResponse(artifact, sessionID))
}

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))

	messages, err := s.sessions.History(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := historyResponse{Messages: make([]historyMessage, 0, len(messages))}
	for _, m := range messages {
		out.Messages = append(out.Messages, historyMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp.Unix()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProcessArticle serves three request shapes: {context, question} answers
// from the given text, {sessionId, question} asks the session, {url} segments
// the page.
func (s *server) handleProcessArticle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	question := strings.TrimSpace(body.Question)

	switch {
	case strings.TrimSpace(body.Context) != "":
		if question == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
			return
		}
		answer, err := s.answerer.Answer(r.Context(), body.Context, body.Question)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, answerResponse{Answer: answer})

	case body.session() != "" && question != "":
		artifact, err := s.asker.Ask(r.Context(), body.session(), body.Question)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAnswerResponse(artifact, body.session()))

	case strings.TrimSpace(body.URL) != "":
		doc, err := s.extract(r.Context(), strings.TrimSpace(body.URL))
		if err != nil {
			s.writeError(w, err)
			return
		}
		sections, err := s.segmenter.Segment(r.Context(), doc.CleanedText)
		s.metrics.Segmentation(err)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.publish(r.Context(), events.FromDocument(doc, events.OriginSegmentation, "", sections))
		writeJSON(w, http.StatusOK, sectionsResponse{Sections: sections})

	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "URL or context is required"})
	}
}

func (s *server) handleSearchPages(w http.ResponseWriter, r *http.Request) {
	if s.pages == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "page search is disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query:    strings.TrimSpace(q.Get("q")),
		Keywords: parseCSV(q.Get("keywords")),
		Origin:   strings.TrimSpace(q.Get("origin")),
		URL:      strings.TrimSpace(q.Get("url")),
		From:     clampInt(q.Get("from"), 0, 10_000),
		Size:     clampInt(q.Get("size"), s.defaultPage, s.maxPage),
		Sort:     strings.TrimSpace(q.Get("sort")),
		Start:    parseTime(q.Get("start")),
		End:      parseTime(q.Get("end")),
	}

	result, err := s.pages.SearchPages(ctx, params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) extract(ctx context.Context, url string) (models.WebpageDocument, error) {
	doc, err := s.extractor.Extract(ctx, url)
	s.metrics.Extraction(err)
	return doc, err
}

// publish is best effort; the request never fails because of it.
func (s *server) publish(ctx context.Context, event events.PageAnalyzed) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("publish page event", slog.String("url", event.URL), slog.Any("err", err))
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request) (requestBody, bool) {
	var body requestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return requestBody{}, false
	}
	return body, true
}

// writeError maps domain failures onto HTTP responses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var (
		runErr     *conversation.RunError
		timeoutErr *conversation.RunTimeoutError
		segErr     *segment.SegmentationError
		extractErr *extract.ExtractionError
		apiErr     *openai.APIError
	)

	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, conversation.ErrMissingSession), errors.Is(err, conversation.ErrEmptyQuestion):
		status = http.StatusBadRequest
	case errors.As(err, &runErr):
		resp = errorResponse{Error: "Assistant run failed", Status: string(runErr.Status)}
	case errors.As(err, &timeoutErr):
		resp = errorResponse{Error: "Assistant run timed out", Status: "timeout"}
	case errors.As(err, &segErr):
		resp.UpstreamStatus = segErr.Status
	case errors.As(err, &extractErr):
		if extract.IsEmptyContent(err) {
			resp.Error = "No readable content found at " + extractErr.URL
		} else {
			resp.Error = "Failed to fetch webpage: " + extractErr.Error()
		}
	case errors.As(err, &apiErr):
		resp.UpstreamStatus = apiErr.Status
	}

	s.log.Warn("request failed", slog.Int("status", status), slog.Any("err", err))
	writeJSON(w, status, resp)
}

func newAnswerResponse(a models.AnswerArtifact, sessionID string) answerResponse {
	resp := answerResponse{Answer: a.Text, SessionID: sessionID}
	if len(a.Audio) > 0 {
		resp.Audio = base64.StdEncoding.EncodeToString(a.Audio)
	}
	return resp
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts
	}
	return nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
