package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/campuslink/realtime/internal/api"
	"github.com/campuslink/realtime/internal/config"
	"github.com/campuslink/realtime/internal/database"
	"github.com/campuslink/realtime/internal/presence"
	"github.com/campuslink/realtime/internal/server"
	"github.com/campuslink/realtime/internal/stats"
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openRepository(ctx context.Context, cfg *config.Config) (database.Repository, error) {
	switch cfg.StorageBackend {
	case config.BackendMongo:
		return database.NewMongoRepository(ctx, cfg.DatabaseDSN, cfg.MongoDatabase)
	default:
		repo, err := database.NewPgRepository(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}

		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}

		return repo, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	var opts []server.Option
	if cfg.RedisAddr != "" {
		mirror, err := presence.NewRedisMirror(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PresenceTTL, logger)
		if err != nil {
			return fmt.Errorf("presence mirror: %w", err)
		}
		defer mirror.Close()

		opts = append(opts, server.WithPresenceMirror(mirror, cfg.PresenceTTL/2))
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer, err := server.NewChatServer(logger, server.NewDirectory(), statsUpdater, opts...)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}
	go chatServer.Run()

	app := api.NewApp(mux, logger, chatServer, repo, statsUpdater, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.Stringer("signal", sig))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}
