package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BundleSourceDir = "dir"
	BundleSourceDB  = "db"
)

type ServerConfig struct {
	HTTPAddr           string
	LogFormat          string
	BundleSource       string
	AgentDir           string
	AgentTTL           time.Duration
	WatchDebounce      time.Duration
	PreloadParallelism int
	IntentModelURL     string
	SlotModelURL       string
	DucklingURL        string
	ModelTimeout       time.Duration
	SlotTimeout        time.Duration
	YesNoTimeout       time.Duration
	LLMProvider        string
	LLMModel           string
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	AnthropicBaseURL   string
	AnthropicAPIKey    string
	RedisURL           string
	PredictionCacheTTL time.Duration
	DBDSN              string
	MQTTBrokerURL      string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTopicPrefix    string
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr:           getenvDefault("DU_HTTP_ADDR", ":9020"),
		LogFormat:          getenvDefault("LOG_FORMAT", "text"),
		BundleSource:       strings.ToLower(getenvDefault("DU_BUNDLE_SOURCE", BundleSourceDir)),
		AgentDir:           getenvDefault("DU_AGENT_DIR", "./agents"),
		AgentTTL:           time.Duration(getenvIntDefault("AGENT_TTL_SECONDS", 300)) * time.Second,
		WatchDebounce:      time.Duration(getenvIntDefault("AGENT_WATCH_DEBOUNCE_MS", 500)) * time.Millisecond,
		PreloadParallelism: getenvIntDefault("AGENT_PRELOAD_PARALLELISM", 4),
		IntentModelURL:     strings.TrimRight(os.Getenv("INTENT_MODEL_URL"), "/"),
		SlotModelURL:       strings.TrimRight(os.Getenv("SLOT_MODEL_URL"), "/"),
		DucklingURL:        strings.TrimRight(os.Getenv("DUCKLING_URL"), "/"),
		ModelTimeout:       time.Duration(getenvIntDefault("MODEL_TIMEOUT_MS", 1500)) * time.Millisecond,
		SlotTimeout:        time.Duration(getenvIntDefault("SLOT_TIMEOUT_MS", 2000)) * time.Millisecond,
		YesNoTimeout:       time.Duration(getenvIntDefault("YESNO_TIMEOUT_MS", 3000)) * time.Millisecond,
		LLMProvider:        getenvDefault("LLM_PROVIDER", "openai"),
		LLMModel:           getenvDefault("LLM_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      getenvDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL:   getenvDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PredictionCacheTTL: time.Duration(getenvIntDefault("PREDICTION_CACHE_TTL_SECONDS", 600)) * time.Second,
		DBDSN:              os.Getenv("DB_DSN"),
		MQTTBrokerURL:      os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:       getenvDefault("DU_MQTT_CLIENT_ID", "du-server"),
		MQTTUsername:       os.Getenv("MQTT_USERNAME"),
		MQTTPassword:       os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix:    getenvDefault("MQTT_TOPIC_PREFIX", "du"),
	}

	switch cfg.BundleSource {
	case BundleSourceDir:
		if cfg.AgentDir == "" {
			return ServerConfig{}, fmt.Errorf("DU_AGENT_DIR is required when DU_BUNDLE_SOURCE=dir")
		}
	case BundleSourceDB:
		if cfg.DBDSN == "" {
			return ServerConfig{}, fmt.Errorf("DB_DSN is required when DU_BUNDLE_SOURCE=db")
		}
	default:
		return ServerConfig{}, fmt.Errorf("unsupported DU_BUNDLE_SOURCE: %s", cfg.BundleSource)
	}
	if cfg.LLMProvider != "openai" && cfg.LLMProvider != "claude" && cfg.LLMProvider != "none" {
		return ServerConfig{}, fmt.Errorf("unsupported LLM_PROVIDER: %s", cfg.LLMProvider)
	}

	return cfg, nil
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}
