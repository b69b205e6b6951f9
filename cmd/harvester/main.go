package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/vault-harvester/internal/config"
	"github.com/emperorhan/vault-harvester/internal/pipeline"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "harvester",
		Short:        "Harvest yield vault strategies across EVM chains",
		SilenceUsage: true,
		Version:      version,
	}
	root.AddCommand(newHarvestCmd(), newSyncTasksCmd(), newServeCmd())
	return root
}

// bootstrap loads the configuration and installs the process logger.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return nil, nil, err
	}
	logger := newLogger(cfg.Log.Level, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// parseNow turns a unix timestamp flag into a clock. Zero means wall time.
func parseNow(unix int64) func() time.Time {
	if unix <= 0 {
		return time.Now
	}
	fixed := time.Unix(unix, 0).UTC()
	return func() time.Time { return fixed }
}

func parseContract(raw string) (*common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, fmt.Errorf("--contract: invalid address %q", raw)
	}
	addr := common.HexToAddress(raw)
	return &addr, nil
}

// healthHandler reports every chain's health. Any unhealthy chain turns the
// response into a 503.
func healthHandler(health *pipeline.HealthRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if !health.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body := struct {
			Healthy bool                      `json:"healthy"`
			Chains  []pipeline.HealthSnapshot `json:"chains"`
		}{
			Healthy: status == http.StatusOK,
			Chains:  health.Snapshots(),
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	}
}

func runHealthServer(ctx context.Context, port int, health *pipeline.HealthRegistry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(health, logger))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
