package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	ASRGatewayURL     string
	ASRAppKey         string
	ASRToken          string
	ASRConnectTimeout time.Duration

	DialogueMode    string
	DialogueURL     string
	DialogueTimeout time.Duration

	TTSBaseURLXiaogong string
	TTSBaseURLVenti    string
	TTSBaseURLHutao    string
	TTSConnectTimeout  time.Duration
	TTSRequestTimeout  time.Duration
	TTSMaxRetries      int
	TTSBackoffBase     time.Duration

	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration
	HistoryWindow int

	DatabaseURL string

	PromptDir string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "huanyu"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,

		ASRGatewayURL:     envOrDefault("ASR_GATEWAY_URL", "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1"),
		ASRAppKey:         trimmedEnv("ASR_APP_KEY"),
		ASRToken:          trimmedEnv("ASR_TOKEN"),
		ASRConnectTimeout: 10 * time.Second,

		DialogueMode:    envOrDefault("DIALOGUE_MODE", "http"),
		DialogueURL:     trimmedEnv("DIALOGUE_URL"),
		DialogueTimeout: 60 * time.Second,

		// GPT-SoVITS character servers, one port per persona.
		TTSBaseURLXiaogong: envOrDefault("TTS_BASE_URL_XIAOGONG", "http://127.0.0.1:5000"),
		TTSBaseURLVenti:    envOrDefault("TTS_BASE_URL_VENTI", "http://127.0.0.1:5001"),
		TTSBaseURLHutao:    envOrDefault("TTS_BASE_URL_HUTAO", "http://127.0.0.1:5002"),
		TTSConnectTimeout:  10 * time.Second,
		TTSRequestTimeout:  30 * time.Second,
		TTSMaxRetries:      3,
		TTSBackoffBase:     300 * time.Millisecond,

		RedisAddr:     envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: trimmedEnv("REDIS_PASSWORD"),
		CacheTTL:      24 * time.Hour,
		HistoryWindow: 20,

		DatabaseURL: trimmedEnv("DATABASE_URL"),

		PromptDir: envOrDefault("PROMPT_DIR", "prompt"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRConnectTimeout, err = durationFromEnv("ASR_CONNECT_TIMEOUT", cfg.ASRConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DialogueTimeout, err = durationFromEnv("DIALOGUE_TIMEOUT", cfg.DialogueTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSConnectTimeout, err = durationFromEnv("TTS_CONNECT_TIMEOUT", cfg.TTSConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRequestTimeout, err = durationFromEnv("TTS_REQUEST_TIMEOUT", cfg.TTSRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSMaxRetries, err = intFromEnv("TTS_MAX_RETRIES", cfg.TTSMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSBackoffBase, err = durationFromEnv("TTS_BACKOFF_BASE", cfg.TTSBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL, err = durationFromEnv("CACHE_TTL", cfg.CacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.DialogueMode))
	if mode != "http" && mode != "mock" {
		return Config{}, fmt.Errorf("DIALOGUE_MODE must be http or mock, got %q", cfg.DialogueMode)
	}
	cfg.DialogueMode = mode
	if cfg.DialogueMode == "http" && cfg.DialogueURL == "" {
		return Config{}, fmt.Errorf("DIALOGUE_URL is required when DIALOGUE_MODE=http")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TTSMaxRetries <= 0 {
		return Config{}, fmt.Errorf("TTS_MAX_RETRIES must be positive")
	}
	if cfg.TTSBackoffBase <= 0 {
		return Config{}, fmt.Errorf("TTS_BACKOFF_BASE must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("HISTORY_WINDOW must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
