// Command leaseq-server is the LeaseQ queue server process.
// It loads configuration, initialises node identity, and starts the server.
//
// Usage:
//
//	leaseq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/snehjoshi/leaseq/internal/broker"
	"github.com/snehjoshi/leaseq/internal/config"
	"github.com/snehjoshi/leaseq/internal/consumer"
	"github.com/snehjoshi/leaseq/internal/metrics"
	"github.com/snehjoshi/leaseq/internal/node"
	transphttp "github.com/snehjoshi/leaseq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "leaseq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, err := newLogger(os.Stdout, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Server.DataDir, cfg.Server.NodeID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("leaseq starting",
		slog.String("node_id", n.ID().String()),
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("data_dir", n.DataDir()),
		slog.String("storage", string(cfg.Storage.Driver)),
		slog.Int("declared_queues", len(cfg.Queues)),
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Initialise broker (storage + queues + scheduler + DLQ) ───────────
	b, err := broker.New(cfg, n.ID().String(),
		broker.WithMetrics(metricsReg),
		broker.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 6. Initialise webhook subscription manager ───────────────────────────
	cm := consumer.NewManager(consumer.QueueSources(b.Queues()), consumer.ManagerOptions{
		Client:         &http.Client{Timeout: cfg.Webhook.Timeout.D()},
		Concurrency:    cfg.Webhook.Concurrency,
		LeaseExtension: cfg.Webhook.LeaseExtension.D(),
		Logger:         logger,
	})

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(b, cm, cfg, metricsReg)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	serveErr := make(chan error, 2)
	go func() {
		slog.Info("leaseq ready", slog.String("node_id", n.ID().String()), slog.String("addr", addr))
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		slog.Error("server failed, shutting down", slog.Any("err", err))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()

	// Stop taking requests first, then settle webhook work, then close storage.
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", slog.Any("err", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown error", slog.Any("err", err))
		}
	}
	cm.Close()
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", slog.Any("err", err))
	}

	slog.Info("leaseq stopped")
	return runErr
}

// newLogger builds the process logger from the log section of the config.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
