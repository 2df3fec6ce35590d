// Package main runs a scripted OpenAI-compatible model server.
//
// Point a role at it with provider "ollama" and url "http://localhost:11434/v1",
// and name the role's model after a fixture file. Runs become fast,
// deterministic and offline.
//
// Usage:
//
//	mock-llm --fixtures ./fixtures --port 11434
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/nova/llm/llmtest"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
	)
	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "Serve scripted chat completions from fixture files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if fixtureDir == "" {
				return fmt.Errorf("--fixtures or MOCK_LLM_FIXTURES is required")
			}
			fixtures, err := llmtest.LoadFixtures(fixtureDir)
			if err != nil {
				return err
			}
			for model, seq := range fixtures {
				logger.Info("Loaded fixtures", "model", model, "count", len(seq))
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           llmtest.NewServer(fixtures, logger),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("Mock LLM server listening", "addr", srv.Addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of <model>.json and <model>.<n>.json fixtures")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	return cmd
}
