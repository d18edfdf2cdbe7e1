package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	appcfg "github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/processor"
	"github.com/jo-hoe/heic2png/internal/server"
	"github.com/jo-hoe/heic2png/internal/storage"
)

const reasonShuttingDown = "server shutting down"

func main() {
	configPath := flag.String("config", "", "path to config file (default $"+appcfg.EnvConfigPath+" or config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "heic2png:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := appcfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := appcfg.NewLogger(os.Stdout, cfg.Server)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := newRegistry(ctx, cfg.Registry)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		return err
	}
	conv, err := newConverter(cfg)
	if err != nil {
		return err
	}

	worker := processor.New(logger, reg, conv, artifacts, cfg.Conversion.Timeout)
	queue := jobs.NewQueue(logger, cfg.Conversion.Workers)
	// workers are stopped by queue.Shutdown, not by the signal context
	if err := queue.Start(context.Background(), worker); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Registry:  reg,
		Queue:     queue,
		Uploader:  storage.NewUploader(cfg.Server.StorageDir),
		Artifacts: artifacts,
		Converter: conv,
	}
	httpSrv := server.NewHTTPServer(svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting",
			"address", httpSrv.Addr,
			"converter", cfg.Conversion.Converter,
			"registry", cfg.Registry.Driver,
			"artifacts", cfg.Artifacts.Driver,
			"workers", cfg.Conversion.Workers)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}

		left := queue.Shutdown(cfg.Server.ShutdownGrace)
		failLeftover(logger, reg, left)
		logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}

// failLeftover records a terminal state for jobs that never reached a worker.
func failLeftover(logger *slog.Logger, reg jobs.Registry, items []jobs.WorkItem) {
	if len(items) == 0 {
		return
	}
	logger.Warn("failing undispatched jobs", "count", len(items))
	for _, item := range items {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := reg.Fail(ctx, item.JobID, reasonShuttingDown); err != nil {
			logger.Warn("fail leftover job", "job_id", item.JobID, "err", err)
		}
		cancel()
		if item.Cleanup != nil {
			if err := item.Cleanup(); err != nil {
				logger.Warn("cleanup leftover upload", "job_id", item.JobID, "err", err)
			}
		}
	}
}
