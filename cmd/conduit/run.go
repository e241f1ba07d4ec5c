package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/app"
	"github.com/conduitproxy/conduit/internal/auth"
	"github.com/conduitproxy/conduit/internal/cache"
	"github.com/conduitproxy/conduit/internal/circuitbreaker"
	"github.com/conduitproxy/conduit/internal/config"
	"github.com/conduitproxy/conduit/internal/crypto"
	"github.com/conduitproxy/conduit/internal/guardrails"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/prompts"
	"github.com/conduitproxy/conduit/internal/provider"
	"github.com/conduitproxy/conduit/internal/provider/anthropic"
	"github.com/conduitproxy/conduit/internal/provider/gemini"
	"github.com/conduitproxy/conduit/internal/provider/ollama"
	"github.com/conduitproxy/conduit/internal/provider/openai"
	"github.com/conduitproxy/conduit/internal/ratelimit"
	"github.com/conduitproxy/conduit/internal/server"
	"github.com/conduitproxy/conduit/internal/storage/sqlite"
	"github.com/conduitproxy/conduit/internal/telemetry"
	"github.com/conduitproxy/conduit/internal/tokencount"
	"github.com/conduitproxy/conduit/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("starting conduit", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := crypto.New(cfg.Crypto.EncryptionKey, cfg.Crypto.EncryptionSalt)
	if err != nil {
		return err
	}

	// Seed deployments and guardrail rules from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, cipher, logger); err != nil {
		return err
	}

	// Redis-backed pieces are optional; without an address the limiter and
	// the exact cache tier are simply absent.
	var (
		limiter    *ratelimit.Limiter
		exactCache *cache.ExactCache
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		limiter = ratelimit.New(rdb, "conduit:", logger)
		exactCache = cache.NewExact(rdb, "conduit:", cfg.Cache.ExactTTL, logger)
	}

	// Shared outbound transport: pooled connections with a cached resolver.
	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: provider.NewTransport(resolver, true)}
	localClient := &http.Client{Transport: provider.NewTransport(resolver, false)}

	reg := provider.NewRegistry(client)
	reg.Register("openai", func(baseURL, apiKey string, c *http.Client) conduit.Provider {
		return openai.New(baseURL, apiKey, c)
	})
	reg.Register("anthropic", func(baseURL, apiKey string, c *http.Client) conduit.Provider {
		return anthropic.New(baseURL, apiKey, c)
	})
	reg.Register("google", func(baseURL, apiKey string, c *http.Client) conduit.Provider {
		return gemini.New(baseURL, apiKey, c)
	})
	// Ollama is local HTTP/1.1; skip the HTTP/2 transport.
	reg.Register("ollama", func(baseURL, apiKey string, _ *http.Client) conduit.Provider {
		return ollama.New(baseURL, apiKey, localClient)
	})

	// Wire services
	table := pricing.NewTable()
	counter := tokencount.NewCounter()

	var cacheMgr *cache.Manager
	if cfg.Cache.Enabled {
		embedder, err := cache.NewEmbedder()
		if err != nil {
			return err
		}
		cacheMgr = cache.NewManager(exactCache, store, embedder, table, cache.Config{
			Enabled:           true,
			TTL:               cfg.Cache.TTL,
			ExactTTL:          cfg.Cache.ExactTTL,
			SemanticThreshold: cfg.Cache.SemanticThreshold,
		}, logger)
	}

	breaker := circuitbreaker.New(store, circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logger)

	guard := guardrails.NewEngine(store, counter, guardrails.Config{
		Enabled:              cfg.Guardrails.Enabled,
		MaxInputLength:       cfg.Guardrails.MaxInputLength,
		PIIEnabled:           cfg.Guardrails.PIIEnabled,
		DefaultPIIAction:     cfg.Guardrails.DefaultPIIAction,
		InjectionEnabled:     cfg.Guardrails.InjectionEnabled,
		InjectionThreshold:   cfg.Guardrails.InjectionThreshold,
		ContentFilterEnabled: cfg.Guardrails.ContentFilterEnabled,
	}, logger)

	router := app.NewRouter(store, breaker, table, app.RouterConfig{
		Strategy:   cfg.Router.Strategy,
		MaxRetries: cfg.Router.MaxRetries,
	}, logger)

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Background workers
	recorder := worker.NewRecorder(store, worker.RecorderConfig{
		QueueSize:     cfg.Workers.LogQueueSize,
		FlushSize:     cfg.Workers.LogFlushSize,
		FlushInterval: cfg.Workers.LogFlushInterval,
	}, metrics)
	janitor := worker.NewJanitor(store, worker.JanitorConfig{
		Interval:     cfg.Workers.JanitorInterval,
		LogRetention: cfg.Workers.LogRetention,
	})
	runner := worker.NewRunner(recorder, janitor)

	authenticator, err := auth.New(store, cfg.Auth.MasterKey)
	if err != nil {
		return err
	}

	keys := app.NewKeyManager(store, authenticator)

	orchestrator := app.NewOrchestrator(app.OrchestratorDeps{
		Spends:     store,
		Router:     router,
		Providers:  reg,
		Cipher:     cipher,
		Breaker:    breaker,
		Limiter:    limiter,
		Guardrails: guard,
		Cache:      cacheMgr,
		Pricing:    table,
		Counter:    counter,
		Recorder:   recorder,
		Logger:     logger,
	})

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           authenticator,
		Orchestrator:   orchestrator,
		Keys:           keys,
		Store:          store,
		Cache:          cacheMgr,
		Breaker:        breaker,
		Prompts:        prompts.NewRenderer(store),
		Cipher:         cipher,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers and the DNS refresher run until shutdown; the recorder drains
	// its queue when its context is cancelled.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var g errgroup.Group
	g.Go(func() error { return runner.Run(workerCtx) })
	g.Go(func() error {
		ticker := time.NewTicker(dnsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-workerCtx.Done():
				return nil
			}
		}
	})

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("conduit ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Shutdown: stop accepting requests first, then stop the workers so
	// in-flight request logs still reach the recorder before it drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("conduit stopped")
	return nil
}
