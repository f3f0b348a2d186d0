package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/auth"
	"github.com/modelmux/modelmux/balancer"
	"github.com/modelmux/modelmux/config"
	"github.com/modelmux/modelmux/health"
	"github.com/modelmux/modelmux/metrics"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/provider/anthropic"
	"github.com/modelmux/modelmux/provider/custom"
	"github.com/modelmux/modelmux/provider/openai"
	"github.com/modelmux/modelmux/provider/rest"
	"github.com/modelmux/modelmux/quota"
	"github.com/modelmux/modelmux/rate"
	"github.com/modelmux/modelmux/scheduler"
	"github.com/modelmux/modelmux/server"
	"github.com/modelmux/modelmux/store"
	"github.com/modelmux/modelmux/utils"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	var dataStore store.Store
	var limiter rate.Limiter
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
		dataStore = store.NewValkeyStore(valkeyClient)
		limiter = rate.NewValkeyLimiter(valkeyClient, sugar)
		sugar.Infow("Using Valkey store", "endpoint", cfg.ValkeyEndpoint)
	} else {
		dataStore = store.NewMemoryStore()
		limiter = rate.NewMemoryLimiter()
		sugar.Infow("Using in-memory store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Seed(ctx, dataStore, time.Now()); err != nil {
		sugar.Fatalw("Failed to seed store from config", "error", err)
	}

	registry := provider.NewRegistry(sugar)
	registry.Register(modelmux.ProviderOpenAICompatible, openai.New)
	registry.Register(modelmux.ProviderAnthropic, anthropic.New)
	registry.Register(modelmux.ProviderGenericREST, rest.New)
	registry.Register(modelmux.ProviderCustom, custom.New)
	defer registry.Shutdown()

	thresholds, err := cfg.Thresholds()
	if err != nil {
		sugar.Fatalw("Invalid health thresholds", "error", err)
	}

	collector := metrics.NewCollector()
	gate := quota.NewGate(dataStore, sugar)
	checker := health.NewChecker(dataStore, thresholds, sugar)
	executor := balancer.NewExecutor(registry, dataStore, gate, limiter, collector, sugar)
	selector := balancer.NewSelector(dataStore, sugar)
	dispatcher := balancer.NewDispatcher(dataStore, selector, executor, collector, sugar)

	options := scheduler.Options{
		HealthCheckInterval: mustDuration(sugar, "health_check_interval", cfg.HealthCheckInterval),
		QuotaSweepInterval:  mustDuration(sugar, "quota_sweep_interval", cfg.QuotaSweepInterval),
		RollupInterval:      mustDuration(sugar, "rollup_interval", cfg.RollupInterval),
		Retention:           time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
	maintenance := scheduler.New(dataStore, checker, gate, options, sugar)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	authManager := auth.NewManager(cfg.AuthSecret, sugar)
	if !authManager.Enabled() {
		sugar.Warnw("No auth secret configured, requests are anonymous")
	}

	srv := server.New(dispatcher, dataStore, checker, gate, authManager, collector, sugar)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: srv.Handler(),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		maintenance.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}

func mustDuration(sugar *zap.SugaredLogger, name string, value string) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		sugar.Fatalw("Invalid interval in config", "name", name, "value", value)
	}
	return parsed
}
