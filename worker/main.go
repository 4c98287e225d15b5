package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/page-companion/internal/config"
	"github.com/DeafMist/page-companion/internal/dedupe"
	"github.com/DeafMist/page-companion/internal/elasticsearch"
	"github.com/DeafMist/page-companion/internal/events"
	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/processing"
)

const (
	titleWords     = 10
	dlqAttempts    = 5
	dlqBaseBackoff = time.Second

	fetchBaseBackoff = 100 * time.Millisecond
	fetchMaxBackoff  = 5 * time.Second
)

var errDLQExhausted = errors.New("message could not be indexed or parked on the DLQ")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type pageIndexer interface {
	IndexPage(ctx context.Context, page models.PageRecord) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := esClient.EnsureIndex(initCtx); err != nil {
		// indexing still works against a dynamically mapped index
		log.Warn("ensure index", slog.Any("err", err))
	}
	cancel()

	seen := dedupe.NewWindow(cfg.DedupeCapacity, cfg.DedupeTTL)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		QueueCapacity:  cfg.BatchSize,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit only
	})
	defer reader.Close()

	dlqTopic := cfg.KafkaTopic + "_dlq"
	dlqWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  dlqTopic,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", dlqTopic),
	)

	c := &consumer{
		log:    log,
		reader: reader,
		dlq:    dlqWriter,
		idx:    esClient,
		seen:   seen,
		cfg:    cfg,
		wait:   sleepContext,
	}
	if err := c.run(ctx); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		// leave the group so the uncommitted message is handed to another member
		_ = reader.Close()
		_ = dlqWriter.Close()
		stop()
		os.Exit(1)
	}
	log.Info("worker stopped")
}

// consumer drains the page topic in order. A message is committed only after
// it was indexed or parked on the DLQ, so a message that could be neither
// stops consumption instead of being skipped by a later commit.
type consumer struct {
	log    *slog.Logger
	reader messageReader
	dlq    messageWriter
	idx    pageIndexer
	seen   *dedupe.Window
	cfg    *config.Worker
	wait   func(context.Context, time.Duration) error
}

func (c *consumer) run(ctx context.Context) error {
	backoff := fetchBaseBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.log.Info("reader closed, stopping", slog.Any("reason", err))
				return nil
			}
			c.log.Error("fetch message", slog.Any("err", err), slog.Duration("backoff", backoff))
			if c.wait(ctx, backoff) != nil {
				return nil
			}
			backoff = min(backoff*2, fetchMaxBackoff)
			continue
		}
		backoff = fetchBaseBackoff

		if err := processMessage(ctx, c.log, c.idx, c.seen, c.cfg, msg); err != nil {
			c.log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			if !sendToDLQ(ctx, c.log, c.dlq, msg, err, c.wait) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, errDLQExhausted)
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit message", slog.Any("err", err))
		}
	}
}

// processMessage turns one page event into an indexed PageRecord. Redelivered
// events with the same url, text and extraction time are skipped.
func processMessage(ctx context.Context, log *slog.Logger, idx pageIndexer, seen *dedupe.Window, cfg *config.Worker, msg kafka.Message) error {
	event, err := events.Decode(msg.Value)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(event.Text)
	if text == "" && len(event.Sections) == 0 {
		return errors.New("page event without content")
	}

	title := strings.TrimSpace(event.Title)
	if title == "" {
		title = processing.GenerateTitleFromText(text, titleWords)
	}
	if title == "" && len(event.Sections) > 0 {
		title = event.Sections[0].Title
	}

	analyzedAt := event.ExtractedAt.UTC()
	if event.ExtractedAt.IsZero() {
		analyzedAt = time.Now().UTC()
	}

	keywordSource := title + " " + processing.CleanText(text)
	for _, s := range event.Sections {
		keywordSource += " " + s.Title + " " + processing.CleanText(s.Content)
	}

	origin := strings.TrimSpace(event.Origin)
	if origin == "" {
		origin = "unknown"
	}

	page := models.PageRecord{
		ID:         processing.BuildDocumentID(event.URL, text, analyzedAt),
		URL:        event.URL,
		Title:      title,
		Text:       text,
		Sections:   event.Sections,
		Keywords:   processing.ExtractKeywords(keywordSource, cfg.KeywordLimit, cfg.KeywordMinLength),
		SessionID:  event.SessionID,
		Origin:     origin,
		AnalyzedAt: analyzedAt,
	}

	if seen.Seen(page) {
		log.Debug("duplicate page", slog.String("id", page.ID))
		return nil
	}

	if err := idx.IndexPage(ctx, page); err != nil {
		return err
	}

	seen.Remember(page)
	log.Info("indexed page", slog.String("id", page.ID), slog.String("url", page.URL), slog.String("origin", page.Origin))
	return nil
}

// sendToDLQ copies msg to the dead letter topic with its origin and failure in
// headers, retrying with exponential backoff. It reports whether the copy landed.
func sendToDLQ(ctx context.Context, log *slog.Logger, w messageWriter, msg kafka.Message, cause error, wait func(context.Context, time.Duration) error) bool {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	for attempt := range dlqAttempts {
		dlqErr := w.WriteMessages(ctx, dlqMsg)
		if dlqErr == nil {
			log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		}
		backoff := dlqBaseBackoff << uint(attempt)
		log.Warn("DLQ write failed, retrying",
			slog.Any("err", dlqErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		if err := wait(ctx, backoff); err != nil {
			log.Info("context canceled during DLQ retry")
			return false
		}
	}

	log.Error("DLQ write exhausted retries",
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
