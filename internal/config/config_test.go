package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("HTTP_PORT", "")
	t.Setenv("MCP_TRANSPORT", "")
	t.Setenv("MCP_HTTP_BIND", "")
	t.Setenv("MCP_HTTP_PORT", "")
	t.Setenv("MCP_AUTH_TOKEN", "")
	t.Setenv("MCP_REQUEST_TIMEOUT_SECS", "")
	t.Setenv("MCP_RATE_LIMIT_PER_MIN", "")
	t.Setenv("LOOKBACK_DAYS", "")
	t.Setenv("MIN_EVENTS", "")
	t.Setenv("FEATURE_STALENESS_SECS", "")
	t.Setenv("LOOK_FORWARD_HOURS", "")
	t.Setenv("LOSS_HOLD_MULTIPLE", "")
	t.Setenv("FREQ_CEILING_PER_DAY", "")
	t.Setenv("RISKY_TRADE_THRESHOLD", "")
	t.Setenv("TRAIN_HOUR_UTC", "")
	t.Setenv("MIN_TRAIN_SAMPLES", "")
	t.Setenv("ANOMALY_CONTAMINATION", "")
	t.Setenv("ACCURACY_FLOOR", "")
	t.Setenv("MAE_CEILING", "")
	t.Setenv("FLAG_RATE_TOLERANCE", "")
	t.Setenv("IFOREST_TREES", "")
	t.Setenv("IFOREST_SAMPLE_SIZE", "")
	t.Setenv("SERVE_BUDGET_CACHED_MS", "")
	t.Setenv("SERVE_BUDGET_ONDEMAND_MS", "")
	t.Setenv("PREDICTION_CACHE_TTL_SECS", "")
	t.Setenv("WARN_RISK_THRESHOLD", "")
	t.Setenv("CRITICAL_RISK_THRESHOLD", "")
	t.Setenv("INSIGHT_TTL_SECS", "")
	t.Setenv("DRIFT_PSI_THRESHOLD", "")
	t.Setenv("DRIFT_POLL_SECS", "")

	cfg := Load()

	if cfg.HTTPPort != 8080 {
		t.Fatalf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.RedisURL != "localhost:6379" {
		t.Fatalf("RedisURL = %q, want localhost:6379", cfg.RedisURL)
	}
	if cfg.MCPTransport != "stdio" {
		t.Fatalf("MCPTransport = %q, want stdio", cfg.MCPTransport)
	}
	if cfg.MCPHTTPBind != "127.0.0.1" {
		t.Fatalf("MCPHTTPBind = %q", cfg.MCPHTTPBind)
	}
	if cfg.MCPRateLimitPerMin != 60 {
		t.Fatalf("MCPRateLimitPerMin = %d, want 60", cfg.MCPRateLimitPerMin)
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("OpenAIModel = %q", cfg.OpenAIModel)
	}
	if cfg.LookbackDays != 90 || cfg.MinEvents != 5 {
		t.Fatalf("feature window defaults wrong: %d days, %d events", cfg.LookbackDays, cfg.MinEvents)
	}
	if cfg.TrainHourUTC != 2 || cfg.MinTrainSamples != 200 {
		t.Fatalf("training defaults wrong: hour %d, samples %d", cfg.TrainHourUTC, cfg.MinTrainSamples)
	}
	if cfg.Contamination != 0.10 || cfg.AccuracyFloor != 0.75 || cfg.MAECeiling != 0.15 || cfg.FlagRateTolerance != 0.05 {
		t.Fatal("validation gate defaults wrong")
	}
	if cfg.ServeBudgetCached != 100*time.Millisecond || cfg.ServeBudgetOnDemand != 500*time.Millisecond {
		t.Fatalf("serve budgets wrong: %s / %s", cfg.ServeBudgetCached, cfg.ServeBudgetOnDemand)
	}
	if cfg.WarnRiskThreshold != 0.6 || cfg.CriticalRiskThreshold != 0.8 {
		t.Fatal("risk threshold defaults wrong")
	}
	if cfg.DriftPSIThreshold != 0.2 || cfg.DriftPollSecs != 300 {
		t.Fatal("drift defaults wrong")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("MCP_TRANSPORT", "HTTP")
	t.Setenv("LOOKBACK_DAYS", "30")
	t.Setenv("ANOMALY_CONTAMINATION", "0.05")
	t.Setenv("SERVE_BUDGET_CACHED_MS", "250")
	t.Setenv("REDIS_URL", "redis-prod:6379")

	cfg := Load()
	if cfg.HTTPPort != 9999 {
		t.Fatalf("HTTPPort = %d, want 9999", cfg.HTTPPort)
	}
	if cfg.MCPTransport != "http" {
		t.Fatalf("MCPTransport = %q, want http", cfg.MCPTransport)
	}
	if cfg.LookbackDays != 30 {
		t.Fatalf("LookbackDays = %d, want 30", cfg.LookbackDays)
	}
	if cfg.Contamination != 0.05 {
		t.Fatalf("Contamination = %f, want 0.05", cfg.Contamination)
	}
	if cfg.ServeBudgetCached != 250*time.Millisecond {
		t.Fatalf("ServeBudgetCached = %s, want 250ms", cfg.ServeBudgetCached)
	}
	if cfg.RedisURL != "redis-prod:6379" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("TRAIN_HOUR_UTC", "99")
	t.Setenv("MAE_CEILING", "-1")
	t.Setenv("MCP_TRANSPORT", "carrier-pigeon")

	cfg := Load()
	if cfg.HTTPPort != 8080 {
		t.Fatalf("malformed HTTP_PORT should fall back to 8080, got %d", cfg.HTTPPort)
	}
	if cfg.TrainHourUTC != 2 {
		t.Fatalf("out-of-range TRAIN_HOUR_UTC should fall back to 2, got %d", cfg.TrainHourUTC)
	}
	if cfg.MAECeiling != 0.15 {
		t.Fatalf("negative MAE_CEILING should fall back to 0.15, got %f", cfg.MAECeiling)
	}
	if cfg.MCPTransport != "stdio" {
		t.Fatalf("unsupported transport should fall back to stdio, got %q", cfg.MCPTransport)
	}
}
