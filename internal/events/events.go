// Package events carries analyzed pages from the api to the indexing worker
// over Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/page-companion/internal/models"
)

// Origins of a PageAnalyzed event.
const (
	OriginConversation = "conversation"
	OriginSegmentation = "segmentation"
)

// PageAnalyzed is published every time the api extracts a page.
type PageAnalyzed struct {
	URL         string                  `json:"url"`
	Title       string                  `json:"title"`
	Text        string                  `json:"text"`
	ExtractedAt time.Time               `json:"extracted_at"`
	Sections    []models.ArticleSection `json:"sections,omitempty"`
	SessionID   string                  `json:"session_id,omitempty"`
	Origin      string                  `json:"origin"`
}

// FromDocument builds the event for doc; sections and sessionID are optional.
func FromDocument(doc models.WebpageDocument, origin, sessionID string, sections []models.ArticleSection) PageAnalyzed {
	return PageAnalyzed{
		URL:         doc.URL,
		Title:       doc.Title,
		Text:        doc.CleanedText,
		ExtractedAt: doc.ExtractedAt,
		Sections:    sections,
		SessionID:   sessionID,
		Origin:      origin,
	}
}

// Publisher emits page events to the indexing pipeline.
type Publisher interface {
	Publish(ctx context.Context, event PageAnalyzed) error
	Close() error
}

// Message encodes event as a Kafka message keyed by URL, so every event about
// one page lands on the same partition.
func Message(event PageAnalyzed) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.URL),
		Value: value,
		Time:  event.ExtractedAt,
	}, nil
}

// Decode parses a message value produced by Message.
func Decode(value []byte) (PageAnalyzed, error) {
	var event PageAnalyzed
	if err := json.Unmarshal(value, &event); err != nil {
		return PageAnalyzed{}, fmt.Errorf("decode page event: %w", err)
	}
	if strings.TrimSpace(event.URL) == "" {
		return PageAnalyzed{}, errors.New("page event without url")
	}
	return event, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes page events to a Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for topic that hashes keys across partitions.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

// Publish writes event and waits for the leader to acknowledge it.
func (p *KafkaPublisher) Publish(ctx context.Context, event PageAnalyzed) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish page event: %w", err)
	}
	return nil
}

// Close flushes pending writes and releases the connection.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, PageAnalyzed) error { return nil }
func (Nop) Close() error                                { return nil }
