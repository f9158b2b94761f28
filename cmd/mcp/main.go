package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"trademind/internal/cache"
	"trademind/internal/catalog"
	"trademind/internal/config"
	"trademind/internal/db"
	"trademind/internal/features"
	"trademind/internal/insight"
	mcpserver "trademind/internal/mcp"
	"trademind/internal/ml/serving"
	"trademind/internal/ml/training"
	"trademind/internal/repository"
	"trademind/pkg/tracing"

	"github.com/joho/godotenv"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultMCPHTTPMaxBodyBytes int64 = 1 << 20 // 1MiB

var (
	loadEnvFunc           = godotenv.Load
	loadConfigFunc        = config.Load
	initPostgresFunc      = db.InitPostgres
	initRedisFunc         = cache.InitRedis
	initTracerFunc        = tracing.InitTracer
	loadCatalogFunc       = catalog.Load
	newEventRepoFunc      = repository.NewEventRepository
	newFeatureRepoFunc    = repository.NewFeatureRepository
	newRegistryRepoFunc   = repository.NewRegistryRepository
	newPredictionRepoFunc = repository.NewPredictionRepository
	newFeatureEngineFunc  = features.NewEngine
	newModelCacheFunc     = serving.NewModelCache
	newServingFunc        = serving.NewService
	newTrainingFunc       = training.NewService
	newInsightStoreFunc   = insight.NewStore
	newMCPServerFunc      = mcpserver.NewServer
	newMCPHandlerFunc     = mcpserver.NewHTTPTransportHandler
	runStdioFunc          = func(ctx context.Context, server *sdkmcp.Server) error {
		return server.Run(ctx, &sdkmcp.StdioTransport{})
	}
	startHTTPServerFunc  = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFn = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	setupSignalNotify    = ossignal.Notify
	waitForSignalFunc    = func(quit <-chan os.Signal) { <-quit }
)

func main() {
	loadEnvFunc()
	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	cat, err := loadCatalogFunc()
	if err != nil {
		log.Fatalf("failed to load behavior catalog: %v", err)
	}

	eventRepo := newEventRepoFunc(db.Pool, tracer)
	featureRepo := newFeatureRepoFunc(db.Pool, tracer)
	registryRepo := newRegistryRepoFunc(db.Pool, tracer)
	predictionRepo := newPredictionRepoFunc(db.Pool, tracer)

	engine := newFeatureEngineFunc(tracer, eventRepo, features.Config{
		MinEvents:           cfg.MinEvents,
		LookForward:         time.Duration(cfg.LookForwardHours) * time.Hour,
		LossHoldMultiple:    cfg.LossHoldMultiple,
		FreqCeilingPerDay:   cfg.FreqCeilingPerDay,
		RiskyTradeThreshold: cfg.RiskyTradeFraction,
	})

	modelCache := newModelCacheFunc(registryRepo, tracer)
	registryRepo.OnPromotion(modelCache.Invalidate)

	servingService := newServingFunc(tracer, modelCache, featureRepo, engine, cache.Client, predictionRepo, serving.Config{
		FeatureStaleness:   cfg.FeatureStaleness,
		Lookback:           time.Duration(cfg.LookbackDays) * 24 * time.Hour,
		BudgetCached:       cfg.ServeBudgetCached,
		BudgetOnDemand:     cfg.ServeBudgetOnDemand,
		PredictionCacheTTL: cfg.PredictionCacheTTL,
	})
	insightStore := newInsightStoreFunc(cache.Client, tracer, cfg.InsightTTL)
	trainingService := newTrainingFunc(tracer, eventRepo, featureRepo, registryRepo, engine, cat, training.Config{
		LookbackDays:      cfg.LookbackDays,
		MinTrainSamples:   cfg.MinTrainSamples,
		Contamination:     cfg.Contamination,
		AccuracyFloor:     cfg.AccuracyFloor,
		MAECeiling:        cfg.MAECeiling,
		FlagRateTolerance: cfg.FlagRateTolerance,
		IForestTrees:      cfg.IForestTrees,
		IForestSampleSize: cfg.IForestSampleSize,
	})
	trainingService.UseServedFlagRate(predictionRepo)

	mcpSrv := newMCPServerFunc(tracer, registryRepo, servingService, insightStore, trainingService, mcpserver.ServerConfig{
		RequestTimeout: time.Duration(cfg.MCPRequestTimeoutSecs) * time.Second,
	})

	transport := strings.ToLower(strings.TrimSpace(cfg.MCPTransport))
	switch transport {
	case "", "stdio":
		if err := runStdioFunc(ctx, mcpSrv); err != nil {
			log.Fatalf("mcp stdio server failed: %v", err)
		}
	case "http":
		if err := runHTTPMode(ctx, cancel, cfg, mcpSrv); err != nil {
			log.Fatalf("mcp http server failed: %v", err)
		}
	default:
		log.Fatalf("unsupported MCP_TRANSPORT: %s", cfg.MCPTransport)
	}
}

func runHTTPMode(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, mcpSrv *sdkmcp.Server) error {
	if strings.TrimSpace(cfg.MCPAuthToken) == "" {
		return fmt.Errorf("MCP_AUTH_TOKEN is required when MCP_TRANSPORT=http")
	}

	handler := newMCPHandlerFunc(mcpSrv, mcpserver.HTTPHandlerConfig{
		AuthToken:       cfg.MCPAuthToken,
		RateLimitPerMin: cfg.MCPRateLimitPerMin,
		MaxBodyBytes:    defaultMCPHTTPMaxBodyBytes,
	})

	addr := net.JoinHostPort(cfg.MCPHTTPBind, fmt.Sprintf("%d", cfg.MCPHTTPPort))
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Printf("mcp http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFn(srv, shutdownCtx); err != nil {
		return fmt.Errorf("mcp server forced to shutdown: %w", err)
	}
	return nil
}
