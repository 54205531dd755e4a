package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tanxian/huanyu/internal/asr"
	"github.com/tanxian/huanyu/internal/config"
	"github.com/tanxian/huanyu/internal/dialogue"
	"github.com/tanxian/huanyu/internal/httpapi"
	"github.com/tanxian/huanyu/internal/memory"
	"github.com/tanxian/huanyu/internal/observability"
	"github.com/tanxian/huanyu/internal/persona"
	"github.com/tanxian/huanyu/internal/tts"
)

func main() {
	// A local .env keeps dev setups out of the shell profile. Missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := memory.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres init failed: %v", err)
	}
	defer store.Close()

	cache := memory.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.CacheTTL)
	defer cache.Close()
	mem := memory.NewCache(store, cache, cfg.HistoryWindow, logger)

	registry := persona.NewRegistry(cfg.PromptDir, map[string]string{
		"Xiaogong": cfg.TTSBaseURLXiaogong,
		"Venti":    cfg.TTSBaseURLVenti,
		"Hutao":    cfg.TTSBaseURLHutao,
	})

	var dialogueAdapter dialogue.Adapter
	switch cfg.DialogueMode {
	case "mock":
		dialogueAdapter = &dialogue.MockAdapter{}
		logger.Info("dialogue engine: mock")
	default:
		dialogueAdapter = dialogue.NewHTTPAdapter(cfg.DialogueURL, cfg.DialogueTimeout)
		logger.Info("dialogue engine: http", "url", cfg.DialogueURL)
	}

	bridge := dialogue.NewBridge(registry, mem, dialogueAdapter, logger)

	asrClient := asr.NewGatewayClient(asr.GatewayConfig{
		URL:            cfg.ASRGatewayURL,
		AppKey:         cfg.ASRAppKey,
		Token:          cfg.ASRToken,
		ConnectTimeout: cfg.ASRConnectTimeout,
	})

	synth := tts.NewClient(map[int]string{
		0: cfg.TTSBaseURLXiaogong,
		1: cfg.TTSBaseURLVenti,
		2: cfg.TTSBaseURLHutao,
	}, cfg.TTSConnectTimeout, cfg.TTSRequestTimeout, cfg.TTSMaxRetries, cfg.TTSBackoffBase, logger, metrics)

	api := httpapi.New(cfg, registry, mem, asrClient, bridge, synth, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
