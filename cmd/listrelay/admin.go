package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.io/infrasutra/listrelay/internal/auth"
	"github.io/infrasutra/listrelay/internal/config"
	"github.io/infrasutra/listrelay/internal/directory"
	"github.io/infrasutra/listrelay/internal/retention"
)

func seedCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <directory.yaml>",
		Short: "Load sites, people and groups from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := directory.LoadFile(args[0])
			if err != nil {
				return err
			}
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			summary, err := directory.Apply(ctx, db, doc)
			if err != nil {
				return fmt.Errorf("apply seed: %w", err)
			}
			logger.Info("directory seeded",
				"sites", summary.Sites,
				"families", summary.Families,
				"people", summary.People,
				"groups", summary.Groups,
				"memberships", summary.Memberships,
			)
			return nil
		},
	}
}

func tokenCmd(cfg config.Config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for the ops API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET must be set to issue tokens")
			}
			manager, err := auth.New(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := manager.Issue(args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func pruneCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete ingestion log rows older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			scheduler, err := retention.New(db, cfg.RetentionCron, olderThan, logger)
			if err != nil {
				return err
			}
			removed, err := scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d ingestion rows\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", cfg.RetentionPeriod, "age cutoff")
	return cmd
}
