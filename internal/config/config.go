package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL      string
	RedisURL         string
	TelegramBotToken string
	HTTPPort         int

	MCPTransport          string
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPAuthToken          string
	MCPRequestTimeoutSecs int
	MCPRateLimitPerMin    int

	OpenAIAPIKey string
	OpenAIModel  string

	LookbackDays       int
	MinEvents          int
	FeatureStaleness   time.Duration
	LookForwardHours   int
	LossHoldMultiple   float64
	FreqCeilingPerDay  float64
	RiskyTradeFraction float64

	TrainHourUTC       int
	MinTrainSamples    int
	Contamination      float64
	AccuracyFloor      float64
	MAECeiling         float64
	FlagRateTolerance  float64
	IForestTrees       int
	IForestSampleSize  int

	ServeBudgetCached   time.Duration
	ServeBudgetOnDemand time.Duration
	PredictionCacheTTL  time.Duration

	WarnRiskThreshold     float64
	CriticalRiskThreshold float64
	InsightTTL            time.Duration

	DriftPSIThreshold float64
	DriftPollSecs     int
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		MCPAuthToken:     os.Getenv("MCP_AUTH_TOKEN"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set, intervention feed disabled")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, advisor will be disabled")
	}

	cfg.HTTPPort = envInt("HTTP_PORT", 8080)

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		log.Printf("Warning: unsupported MCP_TRANSPORT=%q, defaulting to stdio", cfg.MCPTransport)
		cfg.MCPTransport = "stdio"
	}
	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}
	cfg.MCPHTTPPort = envInt("MCP_HTTP_PORT", 8090)
	cfg.MCPRequestTimeoutSecs = envInt("MCP_REQUEST_TIMEOUT_SECS", 5)
	cfg.MCPRateLimitPerMin = envInt("MCP_RATE_LIMIT_PER_MIN", 60)

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.LookbackDays = envInt("LOOKBACK_DAYS", 90)
	cfg.MinEvents = envInt("MIN_EVENTS", 5)
	cfg.FeatureStaleness = time.Duration(envInt("FEATURE_STALENESS_SECS", 300)) * time.Second
	cfg.LookForwardHours = envInt("LOOK_FORWARD_HOURS", 24)
	cfg.LossHoldMultiple = envFloat("LOSS_HOLD_MULTIPLE", 1.5)
	cfg.FreqCeilingPerDay = envFloat("FREQ_CEILING_PER_DAY", 20)
	cfg.RiskyTradeFraction = envFloat("RISKY_TRADE_THRESHOLD", 0.10)

	cfg.TrainHourUTC = envInt("TRAIN_HOUR_UTC", 2)
	if cfg.TrainHourUTC < 0 || cfg.TrainHourUTC > 23 {
		cfg.TrainHourUTC = 2
	}
	cfg.MinTrainSamples = envInt("MIN_TRAIN_SAMPLES", 200)
	cfg.Contamination = envFloat("ANOMALY_CONTAMINATION", 0.10)
	cfg.AccuracyFloor = envFloat("ACCURACY_FLOOR", 0.75)
	cfg.MAECeiling = envFloat("MAE_CEILING", 0.15)
	cfg.FlagRateTolerance = envFloat("FLAG_RATE_TOLERANCE", 0.05)
	cfg.IForestTrees = envInt("IFOREST_TREES", 200)
	cfg.IForestSampleSize = envInt("IFOREST_SAMPLE_SIZE", 256)

	cfg.ServeBudgetCached = time.Duration(envInt("SERVE_BUDGET_CACHED_MS", 100)) * time.Millisecond
	cfg.ServeBudgetOnDemand = time.Duration(envInt("SERVE_BUDGET_ONDEMAND_MS", 500)) * time.Millisecond
	cfg.PredictionCacheTTL = time.Duration(envInt("PREDICTION_CACHE_TTL_SECS", 300)) * time.Second

	cfg.WarnRiskThreshold = envFloat("WARN_RISK_THRESHOLD", 0.6)
	cfg.CriticalRiskThreshold = envFloat("CRITICAL_RISK_THRESHOLD", 0.8)
	cfg.InsightTTL = time.Duration(envInt("INSIGHT_TTL_SECS", 3600)) * time.Second

	cfg.DriftPSIThreshold = envFloat("DRIFT_PSI_THRESHOLD", 0.2)
	cfg.DriftPollSecs = envInt("DRIFT_POLL_SECS", 300)

	return cfg
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
