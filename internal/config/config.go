package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	LLMModeRemote = "remote"
	LLMModeLocal  = "local"
)

// ConfigurationError reports a setting that must be present for the binary to start.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s must be set", e.Key)
	}
	return fmt.Sprintf("%s %s", e.Key, e.Reason)
}

// Common contains Elasticsearch parameters shared by every service.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
}

// LLM groups the remote model service settings used by the api.
type LLM struct {
	Mode           string
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	AssistantID    string
	AssistantModel string
	SegmentModel   string
	SegmentAPIKey  string
	SegmentBaseURL string
	SpeechEnabled  bool
	SpeechModel    string
	SpeechVoice    string
}

// Poll bounds the wait for one assistant run.
type Poll struct {
	Interval    time.Duration
	MaxAttempts int
	MaxWait     time.Duration
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr     string
	WriteTimeout time.Duration
	FetchTimeout time.Duration
	LLM          LLM
	Poll         Poll
	KafkaBrokers []string
	KafkaTopic   string
	DefaultPage  int
	MaxPage      int
}

// Worker holds configuration for the Kafka -> Elasticsearch page indexer.
type Worker struct {
	Common
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaConsumer    string
	KeywordLimit     int
	KeywordMinLength int
	DedupeCapacity   int
	DedupeTTL        time.Duration
	BatchSize        int
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

var dotenvOnce sync.Once

// loadDotEnv seeds the environment from ./.env once. Variables already set win.
func loadDotEnv() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// LoadAPI builds an API config from environment variables.
// Search over indexed pages and event publishing stay off unless
// ELASTICSEARCH_ADDR and KAFKA_BROKERS are set.
func LoadAPI() (*API, error) {
	loadDotEnv()

	apiKey := getEnv("OPENAI_API_KEY", "")
	baseURL := getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1")
	c := &API{
		Common: Common{
			ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", ""),
			ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "pages"),
		},
		BindAddr:     getEnv("API_BIND_ADDR", "0.0.0.0:3000"),
		WriteTimeout: getDuration("API_WRITE_TIMEOUT", "3m"),
		FetchTimeout: getDuration("FETCH_TIMEOUT", "10s"),
		LLM: LLM{
			Mode:           strings.ToLower(getEnv("LLM_MODE", LLMModeRemote)),
			APIKey:         apiKey,
			BaseURL:        baseURL,
			Timeout:        getDuration("LLM_TIMEOUT", "60s"),
			AssistantID:    getEnv("ASSISTANT_ID", ""),
			AssistantModel: getEnv("ASSISTANT_MODEL", "gpt-4o-mini"),
			SegmentModel:   getEnv("SEGMENT_MODEL", "gpt-4o-mini"),
			SegmentAPIKey:  getEnv("SEGMENT_API_KEY", apiKey),
			SegmentBaseURL: getEnv("SEGMENT_BASE_URL", baseURL),
			SpeechEnabled:  getBool("SPEECH_ENABLED", false),
			SpeechModel:    getEnv("SPEECH_MODEL", "tts-1"),
			SpeechVoice:    getEnv("SPEECH_VOICE", "alloy"),
		},
		Poll: Poll{
			Interval:    getDuration("RUN_POLL_INTERVAL", "1s"),
			MaxAttempts: getInt("RUN_POLL_MAX_ATTEMPTS", 120),
			MaxWait:     getDuration("RUN_POLL_MAX_WAIT", "2m"),
		},
		KafkaBrokers: splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "page_analyzed"),
		DefaultPage:  getInt("API_PAGE_SIZE", 20),
		MaxPage:      getInt("API_MAX_PAGE_SIZE", 100),
	}

	switch c.LLM.Mode {
	case LLMModeRemote:
		if c.LLM.APIKey == "" {
			return nil, &ConfigurationError{Key: "OPENAI_API_KEY"}
		}
		if c.LLM.SegmentAPIKey == "" {
			return nil, &ConfigurationError{Key: "SEGMENT_API_KEY"}
		}
	case LLMModeLocal:
	default:
		return nil, &ConfigurationError{Key: "LLM_MODE", Reason: fmt.Sprintf("must be %q or %q, got %q", LLMModeRemote, LLMModeLocal, c.LLM.Mode)}
	}

	if c.LLM.SpeechEnabled && c.LLM.SpeechVoice == "" {
		return nil, &ConfigurationError{Key: "SPEECH_VOICE"}
	}
	if c.Poll.Interval <= 0 {
		return nil, fmt.Errorf("RUN_POLL_INTERVAL must be positive")
	}
	if c.Poll.MaxAttempts < 0 {
		return nil, fmt.Errorf("RUN_POLL_MAX_ATTEMPTS cannot be negative")
	}
	if c.FetchTimeout <= 0 {
		return nil, fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	loadDotEnv()

	c := &Worker{
		Common: Common{
			ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
			ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "pages"),
		},
		KafkaBrokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "page_analyzed"),
		KafkaConsumer:    getEnv("KAFKA_CONSUMER_GROUP", "page-indexer"),
		KeywordLimit:     getInt("WORKER_KEYWORD_LIMIT", 10),
		KeywordMinLength: getInt("WORKER_KEYWORD_MIN_LEN", 4),
		DedupeCapacity:   getInt("WORKER_DEDUPE_CAPACITY", 20000),
		DedupeTTL:        getDuration("WORKER_DEDUPE_TTL", "24h"),
		BatchSize:        getInt("WORKER_BATCH_SIZE", 10),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}
	if c.KeywordLimit <= 0 {
		return nil, fmt.Errorf("WORKER_KEYWORD_LIMIT must be positive")
	}
	if c.KeywordMinLength < 0 {
		return nil, fmt.Errorf("WORKER_KEYWORD_MIN_LEN cannot be negative")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	loadDotEnv()

	c := &Retention{
		Common: Common{
			ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
			ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "pages"),
		},
		Interval:  getDuration("RETENTION_INTERVAL", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "720h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_INTERVAL must be positive")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := getEnv(key, ""); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := getEnv(key, ""); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
