package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/page-companion/internal/config"
	"github.com/DeafMist/page-companion/internal/conversation"
	"github.com/DeafMist/page-companion/internal/elasticsearch"
	"github.com/DeafMist/page-companion/internal/events"
	"github.com/DeafMist/page-companion/internal/extract"
	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/metrics"
	"github.com/DeafMist/page-companion/internal/openai"
	"github.com/DeafMist/page-companion/internal/segment"
	"github.com/DeafMist/page-companion/internal/speech"
)

const (
	assistantName         = "Website Assistant"
	assistantInstructions = "You are a helpful assistant that answers questions about webpage content."
	localAssistantID      = "local"
)

var errNoRemoteModel = errors.New("no remote model configured for completions")

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv, err := newServer(ctx, cfg, log, metrics.New())
	if err != nil {
		log.Error("init server", slog.Any("err", err))
		os.Exit(1)
	}
	defer srv.publisher.Close()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// an ask holds the connection for the whole run poll
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr), slog.String("llm_mode", cfg.LLM.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

// newServer wires every dependency. In remote mode the assistant id is
// resolved here, once, by creating an assistant when ASSISTANT_ID is unset.
func newServer(ctx context.Context, cfg *config.API, log *slog.Logger, rec *metrics.Recorder) (*server, error) {
	var (
		backend     conversation.Backend
		completer   conversation.Completer = unavailableCompleter{}
		synthesizer conversation.Synthesizer
		assistantID = cfg.LLM.AssistantID
	)

	if cfg.LLM.SegmentAPIKey != "" {
		completer = openai.New(openai.Config{
			APIKey:  cfg.LLM.SegmentAPIKey,
			BaseURL: cfg.LLM.SegmentBaseURL,
			Timeout: cfg.LLM.Timeout,
		})
	}

	switch cfg.LLM.Mode {
	case config.LLMModeLocal:
		backend = conversation.NewLocalBackend(nil)
		assistantID = localAssistantID
		log.Warn("running with the in-memory assistant backend")
	default:
		client := openai.New(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.LLM.Timeout,
		})
		backend = client

		if assistantID == "" {
			id, err := client.CreateAssistant(ctx, openai.AssistantRequest{
				Name:         assistantName,
				Instructions: assistantInstructions,
				Model:        cfg.LLM.AssistantModel,
			})
			if err != nil {
				return nil, err
			}
			assistantID = id
			log.Info("assistant created", slog.String("assistant_id", id))
		}

		if cfg.LLM.SpeechEnabled {
			synthesizer = speech.New(client, cfg.LLM.SpeechModel, cfg.LLM.SpeechVoice)
		}
	}

	orchestrator, err := conversation.NewOrchestrator(backend, conversation.Options{
		AssistantID: assistantID,
		Poll: conversation.PollPolicy{
			Interval:    cfg.Poll.Interval,
			MaxAttempts: cfg.Poll.MaxAttempts,
			MaxWait:     cfg.Poll.MaxWait,
		},
		Speech:  synthesizer,
		Metrics: rec,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}

	srv := &server{
		log:         log,
		extractor:   extract.New(cfg.FetchTimeout, log),
		segmenter:   segment.New(completer, cfg.LLM.SegmentModel, log),
		sessions:    conversation.NewSessions(backend, log),
		asker:       orchestrator,
		answerer:    conversation.NewContextAnswerer(completer, cfg.LLM.SegmentModel),
		publisher:   events.Nop{},
		metrics:     rec,
		defaultPage: cfg.DefaultPage,
		maxPage:     cfg.MaxPage,
	}

	if cfg.ElasticsearchAddr != "" {
		es, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			return nil, err
		}
		srv.pages = es
	}
	if len(cfg.KafkaBrokers) > 0 {
		srv.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info("publishing page events", slog.String("topic", cfg.KafkaTopic))
	}
	return srv, nil
}

// unavailableCompleter backs segmentation and context answers in local mode
// when no segment key is configured.
type unavailableCompleter struct{}

func (unavailableCompleter) Complete(context.Context, openai.ChatRequest) (string, error) {
	return "", errNoRemoteModel
}
