package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/dig"

	"vexdb"
	httpserver "vexdb/internal/http"
	"vexdb/pkg/config"
	"vexdb/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logger)

	if err := run(cfg); err != nil {
		slog.Error("vexdb exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	container := dig.New()
	constructors := []any{
		func() config.Config { return cfg },
		metrics.NewPrometheus,
		openDB,
		newServer,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return err
		}
	}

	return container.Invoke(func(db *vexdb.DB, srv *httpserver.Server) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := srv.Start(); err != nil {
			db.Close()
			return err
		}

		<-ctx.Done()
		slog.Info("shutting down")

		if err := srv.Stop(); err != nil {
			slog.Warn("http server shutdown failed", "error", err)
		}
		return db.Close()
	})
}

func openDB(cfg config.Config, collector *metrics.Prometheus) (*vexdb.DB, error) {
	return vexdb.OpenWith(cfg.DB, collector)
}

func newServer(cfg config.Config, db *vexdb.DB, collector *metrics.Prometheus) *httpserver.Server {
	stats := func() any { return db.Stats() }
	return httpserver.NewServer(cfg.Server.Port, stats, collector.Registry())
}

func setupLogger(cfg config.LoggerConfig) {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
