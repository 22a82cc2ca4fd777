package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.io/infrasutra/listrelay/internal/api"
	"github.io/infrasutra/listrelay/internal/auth"
	"github.io/infrasutra/listrelay/internal/config"
	"github.io/infrasutra/listrelay/internal/metrics"
	"github.io/infrasutra/listrelay/internal/retention"
	"github.io/infrasutra/listrelay/internal/smtpserver"
	"github.io/infrasutra/listrelay/internal/sse"
)

func serveCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener, ops HTTP API and retention scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	authManager, err := auth.New(cfg.JWTSecret, 30*24*time.Hour)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; API tokens reset on restart")
	}

	collectors, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	hub := sse.NewHub()
	receiver := newReceiver(db, newMailer(cfg, logger), logger, collectors, hub)

	if cfg.SMTPAuthEnabled {
		logger.Info("smtp auth enabled", "username", cfg.SMTPUsername)
	} else {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}
	smtpSrv := smtpserver.New(receiver, logger, smtpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
		MaxMessageBytes: cfg.MaxMessageBytes,
		Auth: smtpserver.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		},
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr: httpAddr,
		Handler: api.NewServer(db, receiver, authManager, hub, logger, api.Options{
			CORSOrigins:  cfg.CORSOrigins,
			MaxBodyBytes: cfg.MaxMessageBytes,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler, err := retention.New(db, cfg.RetentionCron, cfg.RetentionPeriod, logger)
	if err != nil {
		return err
	}
	stopRetention := scheduler.Start(ctx)
	defer stopRetention()

	errs := make(chan error, 2)
	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("smtp server: %w", err)
		}
	}()
	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
		logger.Error("server stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Close(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
	return runErr
}
