package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"trademind/internal/catalog"
	"trademind/internal/features"
	"trademind/internal/ml/training"
	"trademind/internal/repository"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLookbackDays = 90
	defaultMinSamples   = 200
)

var (
	loadEnvFunc = godotenv.Load
	openPool    = pgxpool.New
)

type options struct {
	lookbackDays  int
	minSamples    int
	contamination float64
	pruneDays     int
	migrate       bool
}

func main() {
	loadEnvFunc()

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("parse options: %v", err)
	}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
	defer cancel()

	pool, err := openPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	tracer := trace.NewNoopTracerProvider().Tracer("trainctl")
	eventRepo := repository.NewEventRepository(pool, tracer)
	featureRepo := repository.NewFeatureRepository(pool, tracer)
	registryRepo := repository.NewRegistryRepository(pool, tracer)
	predictionRepo := repository.NewPredictionRepository(pool, tracer)

	if opts.migrate {
		if err := eventRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("event migrations: %v", err)
		}
		if err := featureRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("feature migrations: %v", err)
		}
		if err := registryRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("registry migrations: %v", err)
		}
		if err := predictionRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("prediction migrations: %v", err)
		}
	}

	now := time.Now().UTC()

	if opts.pruneDays > 0 {
		cutoff := now.AddDate(0, 0, -opts.pruneDays)
		pruned, err := eventRepo.PruneBefore(ctx, cutoff)
		if err != nil {
			log.Fatalf("prune events: %v", err)
		}
		log.Printf("pruned %d events older than %s", pruned, cutoff.Format(time.RFC3339))
	}

	cat, err := catalog.Load()
	if err != nil {
		log.Fatalf("load behavior catalog: %v", err)
	}
	engine := features.NewEngine(tracer, eventRepo, features.Config{})

	trainer := training.NewService(tracer, eventRepo, featureRepo, registryRepo, engine, cat, training.Config{
		LookbackDays:    opts.lookbackDays,
		MinTrainSamples: opts.minSamples,
		Contamination:   opts.contamination,
	})
	trainer.UseServedFlagRate(predictionRepo)

	log.Printf(
		"starting training run: lookback_days=%d min_samples=%d contamination=%.2f",
		opts.lookbackDays,
		opts.minSamples,
		opts.contamination,
	)

	run, err := trainer.Run(ctx, now)
	if err != nil {
		log.Fatalf("training run failed: %v", err)
	}

	log.Printf("training run %d finished: state=%s details=%s", run.ID, run.LastStage, run.DetailsJSON)

	// Served flag rate over the lookback is the field check on the new
	// contamination setting.
	since := now.AddDate(0, 0, -opts.lookbackDays)
	rate, n, err := predictionRepo.FlagRate(ctx, since)
	if err != nil {
		log.Printf("Warning: could not compute served flag rate: %v", err)
	} else if n > 0 {
		log.Printf("served anomaly flag rate since %s: %.3f over %d predictions", since.Format(time.RFC3339), rate, n)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("trainctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	lookback := fs.Int("lookback-days", envIntDefault(getenv, "LOOKBACK_DAYS", defaultLookbackDays), "historical days of events to train on (default from LOOKBACK_DAYS, else 90)")
	minSamples := fs.Int("min-samples", envIntDefault(getenv, "MIN_TRAIN_SAMPLES", defaultMinSamples), "minimum feature vectors required to train (default from MIN_TRAIN_SAMPLES, else 200)")
	contamination := fs.Float64("contamination", envFloatDefault(getenv, "ANOMALY_CONTAMINATION", 0.10), "expected anomaly fraction for the isolation forest")
	pruneDays := fs.Int("prune-days", 0, "delete events older than this many days before training (0 disables)")
	migrate := fs.Bool("migrate", false, "run schema migrations before training")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *lookback <= 0 {
		return options{}, fmt.Errorf("lookback-days must be > 0")
	}
	if *minSamples <= 0 {
		return options{}, fmt.Errorf("min-samples must be > 0")
	}
	if *contamination <= 0 || *contamination >= 0.5 {
		return options{}, fmt.Errorf("contamination must be in (0, 0.5)")
	}

	return options{
		lookbackDays:  *lookback,
		minSamples:    *minSamples,
		contamination: *contamination,
		pruneDays:     *pruneDays,
		migrate:       *migrate,
	}, nil
}

func envIntDefault(getenv func(string) string, key string, fallback int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloatDefault(getenv func(string) string, key string, fallback float64) float64 {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
