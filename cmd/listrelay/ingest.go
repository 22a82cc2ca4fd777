package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.io/infrasutra/listrelay/internal/config"
	"github.io/infrasutra/listrelay/internal/inbound"
)

// sysexits codes understood by MTA pipe transports.
const (
	exitDataErr  = 65
	exitTempFail = 75
)

func ingestCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var recipients []string
	var returnPath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Route one message read from stdin (MTA pipe delivery)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			raw, err := io.ReadAll(io.LimitReader(os.Stdin, cfg.MaxMessageBytes+1))
			if err != nil {
				return &exitError{code: exitTempFail, err: fmt.Errorf("read stdin: %w", err)}
			}
			if int64(len(raw)) > cfg.MaxMessageBytes {
				return &exitError{code: exitDataErr, err: fmt.Errorf("message exceeds %d bytes", cfg.MaxMessageBytes)}
			}
			email, err := inbound.Parse(raw, recipients...)
			if err != nil {
				return &exitError{code: exitDataErr, err: err}
			}
			if _, ok := email.ReturnPath(); !ok && cmd.Flags().Changed("sender") {
				email.Header.Add("Return-Path", "<"+returnPath+">")
			}

			db, err := openStore(ctx, cfg)
			if err != nil {
				return &exitError{code: exitTempFail, err: err}
			}
			defer db.Close()

			outcome, err := newReceiver(db, newMailer(cfg, logger), logger).Receive(ctx, email)
			if err != nil {
				return &exitError{code: exitTempFail, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", outcome.Disposition, outcome.Reason)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&recipients, "rcpt", "r", nil, "envelope recipient (repeatable)")
	cmd.Flags().StringVarP(&returnPath, "sender", "f", "", "envelope sender, used when the message has no Return-Path")
	return cmd
}
