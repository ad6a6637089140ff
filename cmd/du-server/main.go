package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/config"
	"github.com/opencui/structi-sub001/internal/db"
	"github.com/opencui/structi-sub001/internal/llm"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/metrics"
	"github.com/opencui/structi-sub001/internal/mqtt"
	"github.com/opencui/structi-sub001/internal/nlu"
	"github.com/opencui/structi-sub001/internal/orchestrator"
	"github.com/opencui/structi-sub001/internal/recognizer"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	var store *db.Store
	if cfg.DBDSN != "" {
		store, err = db.New(ctx, cfg.DBDSN)
		if err != nil {
			logger.Error("connect db failed", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			logger.Error("migrate db failed", "error", err)
			os.Exit(1)
		}
	}

	var provider meta.Provider = meta.NewDirProvider(cfg.AgentDir)
	if cfg.BundleSource == config.BundleSourceDB {
		provider = store
	}

	var normalizer recognizer.Normalizer
	if cfg.DucklingURL != "" {
		normalizer = recognizer.NewDucklingClient(cfg.DucklingURL, cfg.ModelTimeout)
	}

	registry := agents.NewRegistry(provider, normalizer, cfg.AgentTTL, m, logger)
	preloadCtx, preloadCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := registry.Preload(preloadCtx, cfg.PreloadParallelism); err != nil {
		logger.Warn("preload agents failed", "error", err)
	}
	preloadCancel()

	if cfg.BundleSource == config.BundleSourceDir {
		watcher := agents.NewWatcher(cfg.AgentDir, registry, cfg.WatchDebounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bundle watcher stopped", "error", err)
			}
		}()
	}

	var (
		intent nlu.IntentModel
		slot   nlu.SlotModel
		yesno  nlu.YesNoModel
	)
	if c := nlu.NewIntentClient(cfg.IntentModelURL, cfg.ModelTimeout, m); c.Enabled() {
		intent = c
	}
	if c := nlu.NewSlotClient(cfg.SlotModelURL, cfg.ModelTimeout, m); c.Enabled() {
		slot = c
	}
	if cfg.RedisURL != "" {
		cache, err := nlu.NewCache(ctx, cfg.RedisURL, cfg.PredictionCacheTTL, logger, m)
		if err != nil {
			logger.Warn("prediction cache disabled", "error", err)
		} else {
			defer cache.Close()
			if intent != nil {
				intent = cache.Intent(intent)
			}
			if slot != nil {
				slot = cache.Slot(slot)
			}
		}
	}

	llmCfg := llm.Config{
		Provider:         strings.ToLower(cfg.LLMProvider),
		Model:            cfg.LLMModel,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		Timeout:          cfg.YesNoTimeout,
	}
	if llmCfg.Enabled() {
		llmProvider, err := llm.NewProvider(llmCfg)
		if err != nil {
			logger.Error("init llm provider failed", "error", err)
			os.Exit(1)
		}
		yesno = nlu.NewLLMYesNo(llmProvider, cfg.LLMModel)
	}
	logger.Info("models configured",
		"intent", intent != nil,
		"slot", slot != nil,
		"yesno", yesno != nil,
		"normalizer", normalizer != nil,
	)

	var turns orchestrator.TurnLogger
	if store != nil {
		turns = store
	}
	service := orchestrator.New(orchestrator.Config{
		SlotTimeout:  cfg.SlotTimeout,
		YesNoTimeout: cfg.YesNoTimeout,
	}, registry, intent, slot, yesno, turns, m, logger)

	if cfg.MQTTBrokerURL != "" {
		hub := mqtt.NewHub(mqtt.HubConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, service, registry, logger)
		if err := hub.Start(ctx); err != nil {
			logger.Error("start mqtt hub failed", "error", err)
			os.Exit(1)
		}
	}

	srv := &server{
		engine:   service,
		registry: registry,
		metrics:  m.Handler(),
		logger:   logger,
	}
	if store != nil {
		srv.store = store
		srv.servesStoredBundles = cfg.BundleSource == config.BundleSourceDB
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("du server started", "addr", cfg.HTTPAddr, "bundle_source", cfg.BundleSource)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func newLogger(format string) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
