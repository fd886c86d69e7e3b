package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meetsync/internal/adapters/auth"
	router "github.com/dkeye/meetsync/internal/adapters/http"
	"github.com/dkeye/meetsync/internal/adapters/persistence"
	"github.com/dkeye/meetsync/internal/app"
	"github.com/dkeye/meetsync/internal/app/orch"
	"github.com/dkeye/meetsync/internal/config"
	"github.com/dkeye/meetsync/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, closeStore, err := persistence.New(ctx, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("session persistence: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close session persistence")
		}
	}()

	// Accounting calls still in flight at shutdown get to finish.
	bridge := app.NewBridge(context.WithoutCancel(ctx), store, cfg.Persistence.Timeout)

	o := orch.New(ctx, bridge, core.RoomOptions{RatingGrace: cfg.RatingGrace}, cfg.DisconnectGrace)

	var ready atomic.Bool
	resolver := auth.NewResolver(cfg.JWTSecret, cfg.AllowObservers)
	r := router.SetupRouter(ctx, cfg, o, resolver, ready.Load)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("backend", cfg.Persistence.Backend).Msg("meetsync server started")
		ready.Store(true)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	err = g.Wait()

	o.Shutdown()
	bridge.Wait()
	return err
}
