package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/agent"
	"github.com/codeready-toolchain/conductor/pkg/api"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/orchestrator"
	"github.com/codeready-toolchain/conductor/pkg/version"
)

const depthRefreshInterval = 10 * time.Second

var (
	serveConfigDir  string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runServe())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigDir, "config-dir",
		getEnv("CONFIG_DIR", "./config"), "path to the configuration directory")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "",
		"listen address, overrides api.listen_addr from team.yaml")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe() int {
	envPath := filepath.Join(serveConfigDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, serveConfigDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return 1
	}
	if serveListenAddr != "" {
		cfg.API.ListenAddr = serveListenAddr
	}

	slog.Info("Starting conductor",
		"version", version.Full(),
		"team", cfg.Team.Name,
		"config_dir", serveConfigDir,
		"database", cfg.Team.DatabasePath)

	client, err := database.NewClient(ctx, cfg.Team.DatabasePath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return 1
	}

	orch := orchestrator.New(cfg, client, agent.NewRegistry())
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		_ = client.Close()
		return 1
	}

	recorder := metrics.NewRecorder()
	recorder.Start(ctx, orch.Bus(), orch, depthRefreshInterval)

	server := api.NewServer(cfg.API, orch, recorder.Handler())
	serveErr := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			slog.Error("HTTP server error triggered shutdown", "error", err)
		}
	case <-orch.Done():
		slog.Warn("Orchestrator requested shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	recorder.Stop()

	code := orch.Stop()
	slog.Info("Conductor stopped", "exit_code", code)
	return code
}
