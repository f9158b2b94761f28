package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"trademind/internal/advisor"
	"trademind/internal/bot"
	"trademind/internal/cache"
	"trademind/internal/catalog"
	"trademind/internal/config"
	"trademind/internal/db"
	"trademind/internal/features"
	"trademind/internal/feed"
	"trademind/internal/handler"
	"trademind/internal/insight"
	"trademind/internal/job"
	"trademind/internal/ml/serving"
	"trademind/internal/ml/training"
	"trademind/internal/monitor"
	"trademind/internal/repository"
	"trademind/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "trademind/docs"
)

var (
	loadEnvFunc            = godotenv.Load
	loadConfigFunc         = config.Load
	initPostgresFunc       = db.InitPostgres
	initRedisFunc          = cache.InitRedis
	initTracerFunc         = tracing.InitTracer
	loadCatalogFunc        = catalog.Load
	newEventRepoFunc       = repository.NewEventRepository
	newFeatureRepoFunc     = repository.NewFeatureRepository
	newRegistryRepoFunc    = repository.NewRegistryRepository
	newPredictionRepoFunc  = repository.NewPredictionRepository
	newFeatureEngineFunc   = features.NewEngine
	newModelCacheFunc      = serving.NewModelCache
	newServingFunc         = serving.NewService
	newTrainingFunc        = training.NewService
	newMonitorFunc         = monitor.NewMonitor
	newInsightGenFunc      = insight.NewGenerator
	newInsightStoreFunc    = insight.NewStore
	newHubFunc             = feed.NewHub
	newAdvisorFunc         = advisor.NewService
	newTrainSchedulerFunc  = job.NewTrainScheduler
	newDriftPollerFunc     = job.NewDriftPoller
	startTrainScheduler    = func(s *job.TrainScheduler, ctx context.Context) { go s.Start(ctx) }
	startDriftPoller       = func(p *job.DriftPoller, ctx context.Context) { go p.Start(ctx) }
	startTelegramBotFunc   = bot.StartTelegramBot
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.Default
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           TradeMind API
// @version         1.0
// @description     Trading behavior intelligence service with OpenTelemetry tracing.

// @host      localhost:8080
// @BasePath  /
func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Create repositories and run migrations
	eventRepo := newEventRepoFunc(db.Pool, tracer)
	featureRepo := newFeatureRepoFunc(db.Pool, tracer)
	registryRepo := newRegistryRepoFunc(db.Pool, tracer)
	predictionRepo := newPredictionRepoFunc(db.Pool, tracer)
	if db.Pool != nil {
		if err := eventRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run event migrations: %v", err)
		}
		if err := featureRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run feature migrations: %v", err)
		}
		if err := registryRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run registry migrations: %v", err)
		}
		if err := predictionRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run prediction migrations: %v", err)
		}
	}

	// Behavior pattern catalog and feature engine
	cat, err := loadCatalogFunc()
	if err != nil {
		log.Fatalf("failed to load behavior catalog: %v", err)
	}
	engine := newFeatureEngineFunc(tracer, eventRepo, features.Config{
		MinEvents:           cfg.MinEvents,
		LookForward:         time.Duration(cfg.LookForwardHours) * time.Hour,
		LossHoldMultiple:    cfg.LossHoldMultiple,
		FreqCeilingPerDay:   cfg.FreqCeilingPerDay,
		RiskyTradeThreshold: cfg.RiskyTradeFraction,
	})

	// Model cache reloads from the registry after every promotion
	modelCache := newModelCacheFunc(registryRepo, tracer)
	registryRepo.OnPromotion(modelCache.Invalidate)

	lookback := time.Duration(cfg.LookbackDays) * 24 * time.Hour
	servingService := newServingFunc(tracer, modelCache, featureRepo, engine, cache.Client, predictionRepo, serving.Config{
		FeatureStaleness:   cfg.FeatureStaleness,
		Lookback:           lookback,
		BudgetCached:       cfg.ServeBudgetCached,
		BudgetOnDemand:     cfg.ServeBudgetOnDemand,
		PredictionCacheTTL: cfg.PredictionCacheTTL,
	})

	// Insight generation and delivery
	generator := newInsightGenFunc(cat, insight.Config{
		WarnRiskThreshold:     cfg.WarnRiskThreshold,
		CriticalRiskThreshold: cfg.CriticalRiskThreshold,
		TTL:                   cfg.InsightTTL,
	})
	insightStore := newInsightStoreFunc(cache.Client, tracer, cfg.InsightTTL)
	hub := newHubFunc()

	// Drift monitor seeded from recent served predictions
	mon := newMonitorFunc(tracer, predictionRepo, monitor.Config{
		PSIThreshold: cfg.DriftPSIThreshold,
	})
	seedBaseline(ctx, predictionRepo, mon)

	// Training pipeline and schedulers
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
	scheduler := newTrainSchedulerFunc(tracer, trainingService, mon.Retrain(), cfg.TrainHourUTC)
	startTrainScheduler(scheduler, ctx)
	driftPoller := newDriftPollerFunc(tracer, mon, time.Duration(cfg.DriftPollSecs)*time.Second)
	startDriftPoller(driftPoller, ctx)

	// Advisor and Telegram bot
	advisorService := newAdvisorFunc(cfg.OpenAIAPIKey, cfg.OpenAIModel, servingService)
	os.Setenv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	dispatcher := startTelegramBotFunc(servingService, insightStore, advisorService)

	// Create handlers and routes
	h := newHandlerFunc(tracer, eventRepo, servingService, featureRepo, registryRepo, generator, insightStore, hub, dispatcher, mon, trainingService)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("trademind"))
	r.Use(cors.Default())

	h.RegisterRoutes(r)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

// seedBaseline primes the drift reference distribution from the last
// week of logged predictions so PSI is meaningful right after restart.
func seedBaseline(ctx context.Context, repo *repository.PredictionRepository, mon *monitor.Monitor) {
	if repo == nil || db.Pool == nil {
		return
	}
	samples, err := repo.RecentSamples(ctx, time.Now().UTC().Add(-7*24*time.Hour), 5000)
	if err != nil {
		log.Printf("Warning: could not seed drift baseline: %v", err)
		return
	}
	scores := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.RiskScore != nil {
			scores = append(scores, *s.RiskScore)
		}
	}
	if len(scores) > 0 {
		mon.SetBaseline(scores)
		log.Printf("Seeded drift baseline from %d logged predictions", len(scores))
	}
}
