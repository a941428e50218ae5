package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a config file (yaml, json or toml)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	clientDir := flag.String("client", "", "Path to client directory (default: ../client)")
	dbPath := flag.String("db", "", "SQLite path for sync stats (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if *clientDir != "" {
		cfg.Server.ClientDir = *clientDir
	}
	if cfg.Server.ClientDir == "" {
		exe, _ := os.Executable()
		cfg.Server.ClientDir = filepath.Join(filepath.Dir(exe), "..", "client")
		// Fallback for development
		if _, err := os.Stat(cfg.Server.ClientDir); os.IsNotExist(err) {
			cfg.Server.ClientDir = "../client"
		}
	}

	log, err := NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}

	db, err := OpenDB(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	enc := delta.NewEncoder(cfg.EncoderOptions(log))
	optOpts, err := cfg.OptimizerOptions(log)
	if err != nil {
		return err
	}
	opt, err := wire.NewOptimizer(enc, optOpts)
	if err != nil {
		return err
	}
	defer opt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := NewHub(ctx, cfg, opt, log)
	reg := NewMetrics(hub)
	recorder := NewStatsRecorder(db, hub, cfg.Server.StatsInterval, log)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: SetupRoutes(hub, db, reg, cfg.Server.ClientDir),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return recorder.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("client", cfg.Server.ClientDir).
			Str("format", cfg.Wire.Format).Str("compression", cfg.Wire.Compression).
			Msg("server starting")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
