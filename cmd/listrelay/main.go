package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.io/infrasutra/listrelay/internal/config"
	"github.io/infrasutra/listrelay/internal/ingest"
	"github.io/infrasutra/listrelay/internal/outbound"
	"github.io/infrasutra/listrelay/internal/store"
)

var version = "dev"

// exitError carries a process exit code out of a command, for callers such as
// an MTA pipe that read sysexits values.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := newLogger(cfg, os.Stderr)

	root := &cobra.Command{
		Use:           "listrelay",
		Short:         "Route inbound email to group mailing lists",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(cfg, logger))
	root.AddCommand(ingestCmd(cfg, logger))
	root.AddCommand(seedCmd(cfg, logger))
	root.AddCommand(tokenCmd(cfg))
	root.AddCommand(pruneCmd(cfg, logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

func newMailer(cfg config.Config, logger *slog.Logger) outbound.Mailer {
	if cfg.RelayAddr == "" {
		logger.Warn("RELAY_ADDR not set; outbound mail is logged and dropped")
		return outbound.LogMailer{Logger: logger}
	}
	return outbound.NewSMTPMailer(outbound.RelayConfig{
		Addr:     cfg.RelayAddr,
		Username: cfg.RelayUsername,
		Password: cfg.RelayPassword,
		Rate:     cfg.RelayRate,
		Burst:    cfg.RelayBurst,
	})
}

func newReceiver(db *store.Store, mailer outbound.Mailer, logger *slog.Logger, observers ...ingest.Observer) *ingest.Receiver {
	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithObserver(ingest.IngestionLog(db)),
	}
	for _, observer := range observers {
		opts = append(opts, ingest.WithObserver(observer))
	}
	return ingest.NewReceiver(db, mailer, opts...)
}
