// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/settings"
	"github.com/infinitune/infinitune/internal/supervisor"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run startup recovery against the configured store and exit",
	Long:  "Rewrites every song stuck mid-stage from a previous run (submitting_to_ace, saving, an orphaned generating_audio, a generating_metadata) back to a resumable status, per the startup reconciliation table. Intended to run once before serve, or standalone for diagnostics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := settings.Load()
		log.Configure(log.Config{Level: cfg.LogLevel, Service: "infinitune"})

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.store.Close()

		return supervisor.Recover(context.Background(), a.store)
	},
}
