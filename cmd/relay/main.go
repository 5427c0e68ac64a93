package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"

	"chat-relay/ai"
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/moderation"
	"chat-relay/queue"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the pipeline lifecycle, and
// centralizes error reporting so that deferred cleanup always executes
// before the program exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Fan-out transport
	var publisher contract.Publisher
	switch config.RedisAddr {
	case "":
		log.Info("No Redis address configured, using in-process fan-out")
		publisher = transport.NewChannelPublisher(config.BufferSize, log)
	default:
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		publisher = transport.NewRedisPublisher(client, log)
		defer client.Close()
	}

	// 4. Moderation
	censor, err := buildCensor(config, log)
	if err != nil {
		return fmt.Errorf("censor setup failed: %w", err)
	}
	classifier := ai.NewHTTPClassifier(config.ClassifierURL, http.DefaultClient)
	gate := moderation.NewGate(classifier, censor,
		moderation.Thresholds{Warn: config.WarnThreshold, Block: config.BlockThreshold},
		config.ClassifierTimeout, log)

	events := make(chan event.Event, config.BufferSize)
	violations := repositories.NewViolationRepository(db, log)
	notifier := transport.NewPublishNotifier(publisher, log)
	ledger := moderation.NewLedger(violations, notifier, config.MuteDuration, events, log)

	// 5. Pipeline
	queueCfg := queue.DefaultConfig()
	queueCfg.HighWaterMark = config.QueueHighWater
	queueCfg.MaxAttempts = config.QueueMaxAttempts
	queueCfg.Backoff.Base = config.BackoffBase
	queueCfg.Backoff.Cap = config.BackoffCap
	queueCfg.StallTimeout = config.StallTimeout

	sup := workers.NewSupervisor(log, config.RestartInterval)
	registry := runtime.NewRegistry()
	orchestrator := runtime.NewOrchestrator(
		log, sup, registry,
		repositories.NewMessageRepository(db, log, config.LimitMessages),
		repositories.NewReceiptRepository(db, log),
		repositories.NewFlagRepository(db, log),
		gate, ledger, publisher, events, queueCfg,
		runtime.Options{
			NumWorkers:        config.NumberOfWorkers,
			BufferSize:        config.BufferSize,
			SinkTimeout:       config.SinkTimeout,
			SweepInterval:     config.SweepInterval,
			JanitorInterval:   config.JanitorInterval,
			TelemetryInterval: config.TelemetryInterval,
			MaxContentLength:  config.MaxContentLength,
		})

	// 6. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator.Start(ctx)
	log.Info("Relay pipeline started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")
	orchestrator.Stop()
	log.Info("Program stopped cleanly")
	return nil
}

// buildCensor loads the censored-word dictionary, one word per line.
// Without a dictionary the gate only scores; it censors nothing.
func buildCensor(config Config, log *slog.Logger) (*moderation.Censor, error) {
	if config.CensoredFilepath == "" {
		return nil, nil
	}
	file, err := os.Open(config.CensoredFilepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" {
			words = append(words, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	replacement, err := characterRune(config.CharReplacement)
	if err != nil {
		return nil, err
	}
	log.Info(fmt.Sprintf("%d censored words loaded", len(words)))

	censor, err := moderation.NewCensor(words, replacement, log)
	if err != nil {
		return nil, err
	}
	return &censor, nil
}

func characterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf("CHARACTER_REPLACEMENT must be a single character, got %q", str)
	}
	return r[0], nil
}
