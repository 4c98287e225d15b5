package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/page-companion/internal/config"
	"github.com/DeafMist/page-companion/internal/dedupe"
	"github.com/DeafMist/page-companion/internal/events"
	"github.com/DeafMist/page-companion/internal/models"
)

type stubIndexer struct {
	pages []models.PageRecord
	err   error
}

func (s *stubIndexer) IndexPage(_ context.Context, page models.PageRecord) error {
	if s.err != nil {
		return s.err
	}
	s.pages = append(s.pages, page)
	return nil
}

type stubDLQ struct {
	fail int
	msgs []kafka.Message
}

func (s *stubDLQ) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("broker unavailable")
	}
	s.msgs = append(s.msgs, msgs...)
	return nil
}

func testWorkerConfig() *config.Worker {
	return &config.Worker{
		Common: config.Common{
			ElasticsearchAddr:  "http://test",
			ElasticsearchIndex: "pages",
		},
		KeywordLimit:     5,
		KeywordMinLength: 3,
	}
}

func eventMessage(t *testing.T, event events.PageAnalyzed) kafka.Message {
	t.Helper()
	msg, err := events.Message(event)
	require.NoError(t, err)
	return msg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessMessageIndexesPage(t *testing.T) {
	seen := dedupe.NewWindow(100, time.Hour)
	idx := &stubIndexer{}
	at := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)

	msg := eventMessage(t, events.PageAnalyzed{
		URL:         "https://example.com/fetch",
		Title:       "Using the Fetch API",
		Text:        "The Fetch API provides a JavaScript interface for fetching resources.",
		ExtractedAt: at,
		SessionID:   "thread_1",
		Origin:      events.OriginConversation,
	})

	require.NoError(t, processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), msg))
	require.Len(t, idx.pages, 1)

	page := idx.pages[0]
	require.Equal(t, "Using the Fetch API", page.Title)
	require.Equal(t, "thread_1", page.SessionID)
	require.Equal(t, events.OriginConversation, page.Origin)
	require.Equal(t, at, page.AnalyzedAt)
	require.NotEmpty(t, page.ID)
	require.Contains(t, page.Keywords, "fetch")

	// redelivery is skipped
	require.NoError(t, processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), msg))
	require.Len(t, idx.pages, 1)
}

func TestProcessMessageGeneratesTitleWhenMissing(t *testing.T) {
	idx := &stubIndexer{}
	msg := eventMessage(t, events.PageAnalyzed{
		URL:  "https://example.com/post",
		Text: "Streams let you read data in chunks. They are handy for large bodies.",
	})

	require.NoError(t, processMessage(context.Background(), discardLogger(), idx, dedupe.NewWindow(10, time.Hour), testWorkerConfig(), msg))
	require.Len(t, idx.pages, 1)
	require.Equal(t, "Streams let you read data in chunks", idx.pages[0].Title)
	require.Equal(t, "unknown", idx.pages[0].Origin)
	require.False(t, idx.pages[0].AnalyzedAt.IsZero())
}

func TestProcessMessageKeepsSections(t *testing.T) {
	idx := &stubIndexer{}
	sections := []models.ArticleSection{
		{ID: 1, Title: "Introduction", Content: "Promises replace callbacks."},
		{ID: 2, Title: "Usage", Content: "Call fetch with a request."},
	}
	msg := eventMessage(t, events.PageAnalyzed{
		URL:         "https://example.com/article",
		Sections:    sections,
		Origin:      events.OriginSegmentation,
		ExtractedAt: time.Unix(1700000000, 0),
	})

	require.NoError(t, processMessage(context.Background(), discardLogger(), idx, dedupe.NewWindow(10, time.Hour), testWorkerConfig(), msg))
	require.Len(t, idx.pages, 1)
	require.Equal(t, sections, idx.pages[0].Sections)
	require.Equal(t, "Introduction", idx.pages[0].Title)
	require.Contains(t, idx.pages[0].Keywords, "promises")
}

func TestProcessMessageRejectsBadPayloads(t *testing.T) {
	idx := &stubIndexer{}
	seen := dedupe.NewWindow(10, time.Hour)

	err := processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), kafka.Message{Value: []byte("not json")})
	require.Error(t, err)

	empty, err := json.Marshal(events.PageAnalyzed{URL: "https://example.com"})
	require.NoError(t, err)
	err = processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), kafka.Message{Value: empty})
	require.Error(t, err)
	require.Empty(t, idx.pages)
}

func TestProcessMessageIndexFailureIsNotMarkedSeen(t *testing.T) {
	idx := &stubIndexer{err: errors.New("es down")}
	seen := dedupe.NewWindow(10, time.Hour)
	msg := eventMessage(t, events.PageAnalyzed{URL: "https://example.com", Text: "some body text"})

	require.Error(t, processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), msg))
	require.Equal(t, 0, seen.Len())

	idx.err = nil
	require.NoError(t, processMessage(context.Background(), discardLogger(), idx, seen, testWorkerConfig(), msg))
	require.Len(t, idx.pages, 1)
}

func TestSendToDLQRetriesWithBackoff(t *testing.T) {
	dlq := &stubDLQ{fail: 2}
	var waits []time.Duration
	wait := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	msg := kafka.Message{Key: []byte("k"), Value: []byte("v"), Partition: 3, Offset: 42}
	ok := sendToDLQ(context.Background(), discardLogger(), dlq, msg, errors.New("boom"), wait)
	require.True(t, ok)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)

	require.Len(t, dlq.msgs, 1)
	headers := map[string]string{}
	for _, h := range dlq.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "3", headers["original_partition"])
	require.Equal(t, "42", headers["original_offset"])
	require.Equal(t, "boom", headers["error"])
	require.Equal(t, []byte("v"), dlq.msgs[0].Value)
}

func TestSendToDLQGivesUp(t *testing.T) {
	dlq := &stubDLQ{fail: 100}
	calls := 0
	wait := func(context.Context, time.Duration) error {
		calls++
		return nil
	}

	require.False(t, sendToDLQ(context.Background(), discardLogger(), dlq, kafka.Message{}, errors.New("boom"), wait))
	require.Equal(t, dlqAttempts, calls)
	require.Empty(t, dlq.msgs)
}

func TestSendToDLQStopsOnCancel(t *testing.T) {
	dlq := &stubDLQ{fail: 100}
	ctx, cancel := context.WithCancel(context.Background())
	wait := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.False(t, sendToDLQ(ctx, discardLogger(), dlq, kafka.Message{}, errors.New("boom"), wait))
	require.Equal(t, 99, dlq.fail)
}

type fetchResult struct {
	msg kafka.Message
	err error
}

type stubReader struct {
	queue   []fetchResult
	fetched int
	commits []kafka.Message
}

func (s *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(s.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.fetched++
	return next.msg, next.err
}

func (s *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.commits = append(s.commits, msgs...)
	return nil
}

func testConsumer(reader *stubReader, dlq *stubDLQ, wait func(context.Context, time.Duration) error) *consumer {
	return &consumer{
		log:    discardLogger(),
		reader: reader,
		dlq:    dlq,
		idx:    &stubIndexer{},
		seen:   dedupe.NewWindow(10, time.Hour),
		cfg:    testWorkerConfig(),
		wait:   wait,
	}
}

func noWait(context.Context, time.Duration) error { return nil }

func TestConsumerStopsWhenDLQExhausted(t *testing.T) {
	bad := kafka.Message{Value: []byte("not json"), Partition: 0, Offset: 7}
	good := eventMessage(t, events.PageAnalyzed{URL: "https://example.com", Text: "body text"})
	good.Offset = 8
	reader := &stubReader{queue: []fetchResult{{msg: bad}, {msg: good}}}

	err := testConsumer(reader, &stubDLQ{fail: 1000}, noWait).run(context.Background())
	require.ErrorIs(t, err, errDLQExhausted)
	require.Empty(t, reader.commits)
	require.Equal(t, 1, reader.fetched)
}

func TestConsumerCommitsParkedFailures(t *testing.T) {
	bad := kafka.Message{Value: []byte("not json"), Offset: 1}
	good := eventMessage(t, events.PageAnalyzed{URL: "https://example.com", Text: "body text"})
	good.Offset = 2
	reader := &stubReader{queue: []fetchResult{{msg: bad}, {msg: good}}}
	dlq := &stubDLQ{}

	require.NoError(t, testConsumer(reader, dlq, noWait).run(context.Background()))
	require.Len(t, dlq.msgs, 1)
	require.Len(t, reader.commits, 2)
	require.Equal(t, int64(2), reader.commits[1].Offset)
}

func TestConsumerBacksOffOnFetchErrors(t *testing.T) {
	broken := errors.New("broker unreachable")
	good := eventMessage(t, events.PageAnalyzed{URL: "https://example.com", Text: "body text"})
	reader := &stubReader{queue: []fetchResult{
		{err: broken}, {err: broken}, {err: broken},
		{msg: good},
		{err: broken},
	}}
	var waits []time.Duration
	wait := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, testConsumer(reader, &stubDLQ{}, wait).run(context.Background()))
	require.Equal(t, []time.Duration{
		fetchBaseBackoff, 2 * fetchBaseBackoff, 4 * fetchBaseBackoff,
		fetchBaseBackoff,
	}, waits)
	require.Len(t, reader.commits, 1)
}

func TestConsumerFetchBackoffIsCapped(t *testing.T) {
	queue := make([]fetchResult, 12)
	for i := range queue {
		queue[i] = fetchResult{err: errors.New("broker unreachable")}
	}
	var last time.Duration
	wait := func(_ context.Context, d time.Duration) error {
		last = d
		return nil
	}

	require.NoError(t, testConsumer(&stubReader{queue: queue}, &stubDLQ{}, wait).run(context.Background()))
	require.Equal(t, fetchMaxBackoff, last)
}

func TestConsumerStopsOnCancelDuringFetchBackoff(t *testing.T) {
	reader := &stubReader{queue: []fetchResult{{err: errors.New("broker unreachable")}, {msg: kafka.Message{}}}}
	ctx, cancel := context.WithCancel(context.Background())
	wait := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.NoError(t, testConsumer(reader, &stubDLQ{}, wait).run(ctx))
	require.Equal(t, 1, reader.fetched)
}
