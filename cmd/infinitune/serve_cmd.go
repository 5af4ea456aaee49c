// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/settings"
	"github.com/infinitune/infinitune/internal/supervisor"
	"github.com/infinitune/infinitune/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation daemon",
	Long:  "Starts the Supervisor (after running startup recovery), which discovers active playlists, drives their PlaylistControllers, and polls the audio pipeline until the process receives SIGINT/SIGTERM.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := settings.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "infinitune", Version: version.Version})
	logger := log.WithComponent("cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}()

	logger.Info().Msg("running startup recovery")
	if err := supervisor.Recover(ctx, a.store); err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Deps{
		Store:          a.store,
		Bus:            a.bus,
		ControllerDeps: a.deps,
		AudioQueue:     a.audioQ,
		TickInterval:   cfg.TickInterval,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("serving /healthz and /metrics")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	select {
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("http server failed, shutting down")
		stop()
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := <-runErrCh; err != nil {
		return err
	}
	return nil
}
