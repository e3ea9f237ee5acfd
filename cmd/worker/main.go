package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gtm-command-center/internal/archive"
	"gtm-command-center/internal/config"
	"gtm-command-center/internal/feedback"
	"gtm-command-center/internal/logger"
	"gtm-command-center/internal/signals"
	"gtm-command-center/internal/store"
	"gtm-command-center/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	runner := signals.NewRunner(cfg, st, signals.DefaultProcessors(), log)
	outcomes := feedback.New(cfg, st, log)
	archiver, err := archive.New(ctx, cfg, st, log)
	if err != nil {
		log.Error("init archiver", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	go processLoop(ctx, cfg, runner, st, log)
	go recomputeLoop(ctx, cfg, outcomes, log)
	go archiveLoop(ctx, cfg, archiver, log)

	log.Info("worker started",
		"poll_interval", cfg.ProcessPollInterval.String(),
		"recompute_interval", cfg.RecomputeInterval.String(),
		"archive_interval", cfg.ArchiveInterval.String())
	<-ctx.Done()
}

func processLoop(ctx context.Context, cfg config.Config, runner *signals.Runner, st *store.Store, log *slog.Logger) {
	ticker := time.NewTicker(cfg.ProcessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := runner.ProcessBatch(ctx); err != nil {
				log.Error("signal processing pass", "error", err)
			} else if n > 0 {
				log.Debug("signal processing pass", "processed", n)
			}
			if depth, err := st.PendingDepth(ctx); err == nil {
				telemetry.PendingDepth.Set(float64(depth))
			}
		}
	}
}

func recomputeLoop(ctx context.Context, cfg config.Config, outcomes *feedback.Service, log *slog.Logger) {
	ticker := time.NewTicker(cfg.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := outcomes.Recompute(ctx); err != nil {
				log.Error("success rate recompute", "error", err)
			}
		}
	}
}

func archiveLoop(ctx context.Context, cfg config.Config, archiver *archive.Archiver, log *slog.Logger) {
	ticker := time.NewTicker(cfg.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := archiver.Run(ctx); err != nil {
				log.Error("archive pass", "error", err)
			}
		}
	}
}
