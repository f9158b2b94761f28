package handler

import (
	"context"
	"time"

	"trademind/internal/domain"
	"trademind/internal/feed"
	"trademind/internal/insight"
	"trademind/internal/monitor"
	"trademind/internal/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type EventWriter interface {
	InsertEvents(ctx context.Context, events []domain.TradingEvent) (int, error)
}

type Predictor interface {
	Predict(ctx context.Context, userID string, extra map[string]float64) (*domain.PredictionResult, error)
	BatchPredict(ctx context.Context, userIDs []string, extra map[string]float64) (map[string]*domain.PredictionResult, map[string]error)
}

type FeatureReader interface {
	LatestVector(ctx context.Context, userID string, now time.Time, maxAge time.Duration) (*domain.FeatureVector, error)
}

type RegistryAdmin interface {
	ListVersions(ctx context.Context, modelName string, limit int) ([]domain.ModelVersion, error)
	GetProduction(ctx context.Context, modelName string) (*domain.ModelVersion, error)
	PromoteAll(ctx context.Context, promotions []repository.Promotion) error
	RollbackTo(ctx context.Context, modelName string, version int) error
}

type InsightStore interface {
	Save(ctx context.Context, ins domain.Insight) error
	ListUser(ctx context.Context, userID string, limit int) ([]domain.Insight, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Insight, error)
}

type TriggerNotifier interface {
	NotifyTrigger(ctx context.Context, trigger domain.InterventionTrigger) error
}

type TrainingStatus interface {
	State() domain.TrainingState
	LastRun() *domain.TrainingRun
}

type Handler struct {
	tracer    trace.Tracer
	events    EventWriter
	predictor Predictor
	features  FeatureReader
	registry  RegistryAdmin
	generator *insight.Generator
	insights  InsightStore
	hub       *feed.Hub
	notifier  TriggerNotifier
	monitor   *monitor.Monitor
	training  TrainingStatus
}

func New(
	tracer trace.Tracer,
	events EventWriter,
	predictor Predictor,
	features FeatureReader,
	registry RegistryAdmin,
	generator *insight.Generator,
	insights InsightStore,
	hub *feed.Hub,
	notifier TriggerNotifier,
	mon *monitor.Monitor,
	training TrainingStatus,
) *Handler {
	return &Handler{
		tracer:    tracer,
		events:    events,
		predictor: predictor,
		features:  features,
		registry:  registry,
		generator: generator,
		insights:  insights,
		hub:       hub,
		notifier:  notifier,
		monitor:   mon,
		training:  training,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.POST("/api/events", h.IngestEvents)
	r.POST("/api/predict", h.Predict)
	r.POST("/api/predict/batch", h.BatchPredict)
	r.GET("/api/models", h.ListModels)
	r.POST("/api/models/:name/promote", h.PromoteModel)
	r.POST("/api/models/:name/rollback", h.RollbackModel)
	r.GET("/api/insights", h.GetInsights)
	r.GET("/api/training/status", h.TrainingStatus)
	r.GET("/api/monitor", h.MonitorStats)
	r.GET("/ws/insights", h.InsightFeed)
}
