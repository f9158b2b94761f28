package mcp

import (
	"context"
	"time"

	"trademind/internal/domain"
	"trademind/internal/repository"
)

// ModelAdmin exposes registry administration.
type ModelAdmin interface {
	ListVersions(ctx context.Context, modelName string, limit int) ([]domain.ModelVersion, error)
	GetProduction(ctx context.Context, modelName string) (*domain.ModelVersion, error)
	PromoteAll(ctx context.Context, promotions []repository.Promotion) error
	RollbackTo(ctx context.Context, modelName string, version int) error
}

// Predictor exposes the serving layer.
type Predictor interface {
	Predict(ctx context.Context, userID string, extra map[string]float64) (*domain.PredictionResult, error)
}

// InsightReader exposes stored insights.
type InsightReader interface {
	ListUser(ctx context.Context, userID string, limit int) ([]domain.Insight, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Insight, error)
}

// TrainingControl exposes pipeline status and manual runs.
type TrainingControl interface {
	Run(ctx context.Context, now time.Time) (*domain.TrainingRun, error)
	State() domain.TrainingState
	LastRun() *domain.TrainingRun
}
