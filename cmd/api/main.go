package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"gtm-command-center/internal/api"
	"gtm-command-center/internal/config"
	"gtm-command-center/internal/engine"
	"gtm-command-center/internal/feedback"
	"gtm-command-center/internal/guard"
	"gtm-command-center/internal/handlers"
	"gtm-command-center/internal/logger"
	"gtm-command-center/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	limiter := guard.NewFixedWindow(redisClient, cfg.RateLimitPerHour, time.Hour)
	breaker := guard.NewCircuitBreaker(redisClient, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown)
	kill := guard.NewKillSwitch(redisClient, cfg.KillSwitch)

	registry := engine.NewRegistry()
	for actionType, endpoint := range cfg.WebhookTargets {
		h, err := handlers.NewWebhook(actionType, endpoint, nil)
		if err != nil {
			log.Error("configure webhook handler", "action_type", actionType, "error", err)
			os.Exit(1)
		}
		registry.Register(h)
		log.Info("handler registered", "action_type", actionType, "integration", h.Integration())
	}

	eng := engine.New(cfg, st, limiter, breaker, kill, registry, log)
	outcomes := feedback.New(cfg, st, log)

	server := api.New(cfg, st, st, eng, outcomes, kill)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
