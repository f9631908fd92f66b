package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/internal/browser"
	"github.com/ilyaukin/sadist-proxy/internal/config"
	"github.com/ilyaukin/sadist-proxy/internal/gateway"
	"github.com/ilyaukin/sadist-proxy/internal/pool"
	"github.com/ilyaukin/sadist-proxy/internal/relay"
	"github.com/ilyaukin/sadist-proxy/internal/rewrite"
)

const shutdownTimeout = 15 * time.Second

// serve wires the pool, gateway and relay together and runs the HTTP server
// until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dialer := browser.NewRemoteDialer(cfg.Browser, logger)
	sessions := pool.New(cfg.Pool, cfg.Intercept, dialer, logger)
	sessions.StartReaper(ctx)

	gw := gateway.New(cfg.Server, sessions, rewrite.New(logger), logger)
	rl := relay.New(cfg.Relay, sessions, logger)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gateway.RequestLogger(logger), gateway.Recovery(logger))
	rl.Register(engine, cfg.Server.PathPrefix)
	gw.Register(engine)
	gw.RegisterNoRoute(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)
	logger.Info("Stopped")
	return nil
}
