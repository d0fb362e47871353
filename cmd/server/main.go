package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/escrow-hub/escrow-hub/internal/api/http"
	"github.com/escrow-hub/escrow-hub/internal/bootstrap"
	"github.com/escrow-hub/escrow-hub/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

// run serves the API and the background loops until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup error: %w", err)
	}
	defer app.Close()

	auth := httpapi.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	opts := []httpapi.Option{
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
	}
	if app.Node != nil {
		opts = append(opts, httpapi.WithCluster(app.Node))
	}
	apiServer := httpapi.NewServer(app.Actions, app.Notifications, app.SSEHub, auth, logger, opts...)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero for the event stream; handlers are
		// bounded by the request timeout middleware.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// background loops
	g.Go(func() error {
		app.Notifications.Run(gctx, cfg.Notifications.Interval)
		return nil
	})
	g.Go(func() error {
		app.Scheduler.Start(gctx, cfg.SweepInterval, app.Engine.Now)
		return nil
	})
	g.Go(func() error {
		app.Documents.Run(gctx, cfg.Documents.ReconcileInterval, cfg.Documents.ReconcileBatch)
		return nil
	})

	// start server
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("ledger", cfg.LedgerBackend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctxShutdown)
	})

	return g.Wait()
}
