package training

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"trademind/internal/catalog"
	"trademind/internal/domain"
	"trademind/internal/features"
	"trademind/internal/repository"

	"go.opentelemetry.io/otel/trace"
)

func testFixture(t *testing.T, users int, cfg Config) (*Service, *stubRegistry, *stubFeatureStore) {
	t.Helper()
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	events := &stubEventStore{users: users}
	featureStore := &stubFeatureStore{}
	registry := &stubRegistry{}
	engine := features.NewEngine(tracer, events, features.Config{})
	return NewService(tracer, events, featureStore, registry, engine, cat, cfg), registry, featureStore
}

func TestRunPromotesAllHeads(t *testing.T) {
	svc, registry, featureStore := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 1, // anomaly holdout is tiny here; gate on the other heads
	})

	now := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	run, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.StatePromoted {
		t.Fatalf("expected PROMOTED, got %s", run.State)
	}
	if len(registry.promotions) != 4 {
		t.Fatalf("expected 4 promotions, got %d", len(registry.promotions))
	}
	if len(registry.inserted) != 4 {
		t.Fatalf("expected 4 inserted versions, got %d", len(registry.inserted))
	}
	for _, mv := range registry.inserted {
		if len(mv.ArtifactBlob) == 0 {
			t.Fatalf("model %s has empty artifact", mv.ModelName)
		}
		if mv.FeatureSchemaJSON == "" || mv.MetricsJSON == "" {
			t.Fatalf("model %s missing schema or metrics", mv.ModelName)
		}
	}
	if len(featureStore.vectors) != 12 {
		t.Fatalf("expected 12 persisted vectors, got %d", len(featureStore.vectors))
	}
	if run.DetailsJSON == "" {
		t.Fatal("expected run details")
	}
	if got := svc.State(); got != domain.StateIdle {
		t.Fatalf("expected IDLE after run, got %s", got)
	}
}

func TestRunRejectsOnInsufficientData(t *testing.T) {
	svc, registry, _ := testFixture(t, 3, Config{MinTrainSamples: 8})

	_, err := svc.Run(context.Background(), time.Now().UTC())
	if !errors.Is(err, domain.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if len(registry.promotions) != 0 {
		t.Fatal("rejected run must not promote")
	}
	last := svc.LastRun()
	if last == nil || last.State != domain.StateRejected {
		t.Fatalf("expected REJECTED last run, got %+v", last)
	}
}

func TestRunRejectsOnValidationFailure(t *testing.T) {
	// A near-zero tolerance makes the anomaly holdout gate unsatisfiable
	// on a tiny test partition.
	svc, registry, _ := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 0.0001,
	})

	_, err := svc.Run(context.Background(), time.Now().UTC())
	var vf *domain.ValidationFailure
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
	if len(registry.promotions) != 0 {
		t.Fatal("rejected run must not promote")
	}
	if got := svc.State(); got != domain.StateIdle {
		t.Fatalf("expected IDLE after rejection, got %s", got)
	}
}

func TestRunGatesAgainstServedFlagRate(t *testing.T) {
	svc, registry, _ := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 1,
	})
	// A served baseline far outside anything the holdout can produce
	// forces the anomaly gate to reject even at the loose tolerance.
	svc.UseServedFlagRate(&stubServedRates{rate: 3, n: 500})

	_, err := svc.Run(context.Background(), time.Now().UTC())
	var vf *domain.ValidationFailure
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
	if vf.ModelName != "anomaly_iforest" {
		t.Fatalf("expected anomaly gate to reject, got %s", vf.ModelName)
	}
	if len(registry.promotions) != 0 {
		t.Fatal("rejected run must not promote")
	}
}

func TestRunIgnoresSparseServedBaseline(t *testing.T) {
	svc, registry, _ := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 1,
	})
	// Too few logged predictions: the gate falls back to the
	// contamination target and the run goes through.
	svc.UseServedFlagRate(&stubServedRates{rate: 3, n: 10})

	run, err := svc.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.StatePromoted || len(registry.promotions) != 4 {
		t.Fatalf("expected promotion, got state %s", run.State)
	}
}

func TestRunSurvivesServedBaselineErrors(t *testing.T) {
	svc, _, _ := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 1,
	})
	svc.UseServedFlagRate(&stubServedRates{err: errors.New("log unavailable")})

	run, err := svc.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.StatePromoted {
		t.Fatalf("expected promotion despite baseline error, got %s", run.State)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	svc, registry, _ := testFixture(t, 12, Config{MinTrainSamples: 8})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Run(ctx, time.Now().UTC())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(registry.promotions) != 0 {
		t.Fatal("cancelled run must not promote")
	}
}

func TestRunPersistsStateTransitions(t *testing.T) {
	svc, registry, _ := testFixture(t, 12, Config{
		MinTrainSamples:   8,
		FlagRateTolerance: 1,
	})
	if _, err := svc.Run(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []domain.TrainingState{
		domain.StateExtracting,
		domain.StateEngineering,
		domain.StateTraining,
		domain.StateValidating,
		domain.StatePromoted,
	}
	if len(registry.states) != len(want) {
		t.Fatalf("expected %d state updates, got %d: %v", len(want), len(registry.states), registry.states)
	}
	for i, state := range want {
		if registry.states[i] != state {
			t.Fatalf("state %d: expected %s, got %s", i, state, registry.states[i])
		}
	}
}

// stubEventStore synthesizes a deterministic population: each user
// trades hourly with user-scaled sizes.
type stubEventStore struct {
	users int
}

func (s *stubEventStore) ListUserIDs(_ context.Context, _, _ time.Time) ([]string, error) {
	out := make([]string, s.users)
	for i := range out {
		out[i] = fmt.Sprintf("user-%02d", i)
	}
	return out, nil
}

func (s *stubEventStore) ListEvents(_ context.Context, userID string, from, _ time.Time) ([]domain.TradingEvent, error) {
	base := from.Add(24 * time.Hour)
	size := 10.0
	for _, r := range userID {
		size += float64(r % 7)
	}
	events := make([]domain.TradingEvent, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, domain.TradingEvent{
			ID:                int64(i + 1),
			UserID:            userID,
			Timestamp:         base.Add(time.Duration(i) * time.Hour),
			Action:            domain.ActionBuy,
			Symbol:            "AAPL",
			Quantity:          size,
			Price:             100,
			OrderType:         domain.OrderLimit,
			DecisionLatencyMS: 30000,
			PortfolioExposure: 100000,
		})
	}
	return events, nil
}

type stubFeatureStore struct {
	vectors []domain.FeatureVector
}

func (s *stubFeatureStore) UpsertVectors(_ context.Context, vectors []domain.FeatureVector) error {
	s.vectors = append([]domain.FeatureVector(nil), vectors...)
	return nil
}

type stubServedRates struct {
	rate float64
	n    int
	err  error
}

func (s *stubServedRates) FlagRate(_ context.Context, _ time.Time) (float64, int, error) {
	return s.rate, s.n, s.err
}

type stubRegistry struct {
	nextVersion map[string]int
	inserted    []domain.ModelVersion
	promotions  []repository.Promotion
	states      []domain.TrainingState
	runID       int64
}

func (s *stubRegistry) NextVersion(_ context.Context, modelName string) (int, error) {
	if s.nextVersion == nil {
		s.nextVersion = make(map[string]int)
	}
	s.nextVersion[modelName]++
	return s.nextVersion[modelName], nil
}

func (s *stubRegistry) InsertVersion(_ context.Context, mv domain.ModelVersion) (*domain.ModelVersion, error) {
	mv.Stage = domain.StageStaging
	mv.ID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, mv)
	out := mv
	return &out, nil
}

func (s *stubRegistry) GetProduction(_ context.Context, _ string) (*domain.ModelVersion, error) {
	return nil, nil
}

func (s *stubRegistry) PromoteAll(_ context.Context, promotions []repository.Promotion) error {
	s.promotions = append(s.promotions, promotions...)
	return nil
}

func (s *stubRegistry) InsertRun(_ context.Context, run domain.TrainingRun) (*domain.TrainingRun, error) {
	s.runID++
	run.ID = s.runID
	out := run
	return &out, nil
}

func (s *stubRegistry) UpdateRun(_ context.Context, run domain.TrainingRun) error {
	s.states = append(s.states, run.State)
	return nil
}
