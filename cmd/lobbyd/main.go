package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/lobbyd/internal/api"
	"github.com/npezzotti/lobbyd/internal/config"
	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/server"
	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger.Level(level).With().Timestamp().Str("service", "lobbyd").Logger()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverRedis:
		ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		defer cancel()
		return store.NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	repo := repository.NewRoomRepository(st, logger, repository.Options{
		Retention:    cfg.Room.Retention,
		ClaimTTL:     cfg.Room.ClaimTTL,
		HistoryLimit: cfg.Room.HistoryLimit,
	})

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer := server.NewChatServer(logger, repo, statsUpdater, server.Options{
		OpTimeout:    cfg.Store.OpTimeout,
		IdleTimeout:  cfg.Room.IdleTimeout,
		HistoryLimit: cfg.Room.HistoryLimit,
		Host: server.AnnouncerOptions{
			StartDelay: cfg.Host.StartDelay,
			Interval:   cfg.Host.Interval,
		},
		Client: server.ClientOptions{
			WriteWait:      cfg.WS.WriteWait,
			PongWait:       cfg.WS.PongWait,
			MaxMessageSize: cfg.WS.ReadLimit,
		},
	})

	app := api.NewLobbyApp(mux, logger, chatServer, repo, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chatServer.Run()
		return nil
	})
	g.Go(app.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown")
		}
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("chat server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
