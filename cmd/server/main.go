package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sheikh-saqib/token-ledger/internal/api"
	"github.com/sheikh-saqib/token-ledger/internal/config"
	"github.com/sheikh-saqib/token-ledger/internal/events"
	"github.com/sheikh-saqib/token-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/token-ledger/internal/events/ws"
	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-ledger/internal/logger"
	"github.com/sheikh-saqib/token-ledger/internal/sequencer"
	"github.com/sheikh-saqib/token-ledger/internal/storage/badger"
	"github.com/sheikh-saqib/token-ledger/internal/storage/bolt"
	"github.com/sheikh-saqib/token-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/token-ledger/internal/storage/postgres"
	"github.com/sheikh-saqib/token-ledger/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("Failed to open store")
	}
	defer closeStore.Close()

	hub := ws.NewHub(log)
	publishers := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		defer kp.Close()
		publishers = append(publishers, kp)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Msg("Publishing events to Kafka")
	}

	ledgerService := ledger.NewLedger(store,
		ledger.WithPublisher(publishers),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
	)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	router := api.NewRouter(api.NewAPI(sequencer.New(ledgerService), log), hub, limiter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Msg("Starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed to start")
	}
	log.Info().Msg("Server stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (interfaces.AccountStore, io.Closer, error) {
	switch cfg.Store {
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		return s, s, err
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		return s, s, err
	case config.StoreBolt:
		s, err := bolt.Open(cfg.BoltPath)
		return s, s, err
	case config.StoreBadger:
		s, err := badger.Open(cfg.BadgerDir, log.With().Str("component", "badger").Logger())
		return s, s, err
	default:
		return memory.NewMemoryAccountStore(), nopCloser{}, nil
	}
}
