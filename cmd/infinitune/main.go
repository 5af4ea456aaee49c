// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infinitune/infinitune/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "infinitune",
	Short: "Infinitune endless-playlist generation daemon",
	Long:  "Infinitune drives song metadata, cover, and audio generation for active playlists through to completion.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithComponent("cli").Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
