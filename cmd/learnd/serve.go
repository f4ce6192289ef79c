package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/app"
	"github.com/fyrsmithlabs/learnd/internal/http"
)

// runServe starts the HTTP API and extraction workers and blocks until ctx
// is canceled or the server fails.
func runServe(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return serve(ctx, rt)
}

func serve(ctx context.Context, rt *runtime) error {
	logger := rt.logger
	a, err := app.New(ctx, rt.cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing services", zap.Error(err))
		}
	}()

	srv, err := http.NewServer(a, logger, &http.Config{
		Host: rt.cfg.Server.Host,
		Port: rt.cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	a.Queue.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("learnd started",
		zap.String("version", version),
		zap.String("backend", a.Backend.Name()),
		zap.Bool("degraded", a.Degraded()))

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
