package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"trademind/internal/catalog"
	"trademind/internal/domain"
	feat "trademind/internal/features"
	"trademind/internal/ml/common"
	"trademind/internal/ml/models/cluster"
	"trademind/internal/ml/models/iforest"
	"trademind/internal/ml/models/riskreg"
	"trademind/internal/ml/models/softmax"
	"trademind/internal/repository"

	"go.opentelemetry.io/otel/trace"
)

var ErrRunInProgress = errors.New("training run already in progress")

type EventStore interface {
	ListUserIDs(ctx context.Context, from, to time.Time) ([]string, error)
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]domain.TradingEvent, error)
}

type FeatureStore interface {
	UpsertVectors(ctx context.Context, vectors []domain.FeatureVector) error
}

// ServedFlagRates reads the anomaly flag rate actually served over a
// window, from the prediction log.
type ServedFlagRates interface {
	FlagRate(ctx context.Context, since time.Time) (float64, int, error)
}

// minServedBaseline is the served-prediction count below which the
// logged flag rate is too noisy to gate against.
const minServedBaseline = 50

type ModelRegistry interface {
	NextVersion(ctx context.Context, modelName string) (int, error)
	InsertVersion(ctx context.Context, mv domain.ModelVersion) (*domain.ModelVersion, error)
	GetProduction(ctx context.Context, modelName string) (*domain.ModelVersion, error)
	PromoteAll(ctx context.Context, promotions []repository.Promotion) error
	InsertRun(ctx context.Context, run domain.TrainingRun) (*domain.TrainingRun, error)
	UpdateRun(ctx context.Context, run domain.TrainingRun) error
}

type Config struct {
	LookbackDays      int
	MinTrainSamples   int
	Contamination     float64
	AccuracyFloor     float64
	MAECeiling        float64
	FlagRateTolerance float64
	IForestTrees      int
	IForestSampleSize int
}

// Service runs the training pipeline as an explicit state machine:
// SCHEDULED -> EXTRACTING -> ENGINEERING -> TRAINING -> VALIDATING ->
// PROMOTED or REJECTED -> IDLE. Context cancellation is honored at
// every state boundary; a cancelled run leaves the previous production
// models untouched.
type Service struct {
	tracer   trace.Tracer
	events   EventStore
	features FeatureStore
	registry ModelRegistry
	engine   *feat.Engine
	catalog  *catalog.Catalog
	served   ServedFlagRates
	cfg      Config

	mu      sync.Mutex
	state   domain.TrainingState
	lastRun *domain.TrainingRun
}

func NewService(
	tracer trace.Tracer,
	events EventStore,
	features FeatureStore,
	registry ModelRegistry,
	engine *feat.Engine,
	cat *catalog.Catalog,
	cfg Config,
) *Service {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 90
	}
	if cfg.MinTrainSamples <= 0 {
		cfg.MinTrainSamples = 200
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.10
	}
	if cfg.AccuracyFloor <= 0 {
		cfg.AccuracyFloor = 0.75
	}
	if cfg.MAECeiling <= 0 {
		cfg.MAECeiling = 0.15
	}
	if cfg.FlagRateTolerance <= 0 {
		cfg.FlagRateTolerance = 0.05
	}
	if cfg.IForestTrees <= 0 {
		cfg.IForestTrees = iforest.DefaultTrainOptions().NumTrees
	}
	if cfg.IForestSampleSize <= 0 {
		cfg.IForestSampleSize = iforest.DefaultTrainOptions().SampleSize
	}
	return &Service{
		tracer:   tracer,
		events:   events,
		features: features,
		registry: registry,
		engine:   engine,
		catalog:  cat,
		cfg:      cfg,
		state:    domain.StateIdle,
	}
}

// UseServedFlagRate gates the anomaly head against the flag rate
// actually served over the lookback window instead of the contamination
// target alone. Before enough predictions are logged the gate falls
// back to the target.
func (s *Service) UseServedFlagRate(src ServedFlagRates) {
	s.served = src
}

// State reports the pipeline's current state.
func (s *Service) State() domain.TrainingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns a copy of the most recent run record, or nil.
func (s *Service) LastRun() *domain.TrainingRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

// Run executes one full training pipeline. At most one run is active at
// a time; concurrent calls fail fast with ErrRunInProgress.
func (s *Service) Run(ctx context.Context, now time.Time) (*domain.TrainingRun, error) {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.state = domain.StateScheduled
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = domain.StateIdle
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "training.run")
	defer span.End()

	now = now.UTC()
	from := now.AddDate(0, 0, -s.cfg.LookbackDays)

	run, err := s.registry.InsertRun(ctx, domain.TrainingRun{
		State:     domain.StateScheduled,
		StartedAt: now,
	})
	if err != nil {
		return nil, err
	}

	finished, err := s.execute(ctx, run, from, now)
	if err != nil {
		s.finishRun(ctx, run, domain.StateRejected, err)
		return run, err
	}
	return finished, nil
}

func (s *Service) execute(ctx context.Context, run *domain.TrainingRun, from, now time.Time) (*domain.TrainingRun, error) {
	// EXTRACTING: pull the event history for the whole population.
	if err := s.transition(ctx, run, domain.StateExtracting); err != nil {
		return nil, err
	}
	users, err := s.events.ListUserIDs(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	eventsByUser := make(map[string][]domain.TradingEvent, len(users))
	for _, userID := range users {
		events, err := s.events.ListEvents(ctx, userID, from, now)
		if err != nil {
			return nil, fmt.Errorf("list events for %s: %w", userID, err)
		}
		eventsByUser[userID] = events
	}

	// ENGINEERING: compute and persist one vector per user. Users with
	// too few events are skipped, not fatal.
	if err := s.transition(ctx, run, domain.StateEngineering); err != nil {
		return nil, err
	}
	vectors := make([]domain.FeatureVector, 0, len(users))
	skipped := 0
	for _, userID := range users {
		fv, err := s.engine.FromEvents(userID, now, eventsByUser[userID])
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientData) {
				skipped++
				continue
			}
			return nil, fmt.Errorf("compute features for %s: %w", userID, err)
		}
		vectors = append(vectors, fv)
	}
	if len(vectors) < s.cfg.MinTrainSamples {
		return nil, fmt.Errorf("%w: got %d vectors, need >= %d",
			domain.ErrInsufficientData, len(vectors), s.cfg.MinTrainSamples)
	}
	if err := s.features.UpsertVectors(ctx, vectors); err != nil {
		return nil, fmt.Errorf("persist vectors: %w", err)
	}

	// TRAINING: fit all four heads on the train partition.
	if err := s.transition(ctx, run, domain.StateTraining); err != nil {
		return nil, err
	}
	labels := s.catalog.PatternIDs()
	samples, y, riskTargets := buildDataset(vectors, s.catalog, labels)
	trainX, trainY, trainR, testX, testY, testR := splitDataset(samples, y, riskTargets)
	if len(trainX) == 0 || len(testX) == 0 {
		return nil, errors.New("dataset split produced empty partitions")
	}

	ifModel, err := iforest.Train(trainX, common.FeatureNames, common.ModelKeyAnomaly, from, now, iforest.TrainOptions{
		NumTrees:      s.cfg.IForestTrees,
		SampleSize:    s.cfg.IForestSampleSize,
		Contamination: s.cfg.Contamination,
	})
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", common.ModelKeyAnomaly, err)
	}
	clsModel, err := softmax.Train(trainX, trainY, common.FeatureNames, labels, from, now, softmax.DefaultTrainOptions())
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", common.ModelKeyClassifier, err)
	}
	riskModel, err := riskreg.Train(trainX, trainR, common.FeatureNames, from, now, riskreg.DefaultTrainOptions())
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", common.ModelKeyRisk, err)
	}
	clusterModel, err := cluster.Train(trainX, common.FeatureNames, from, now, cluster.DefaultTrainOptions())
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", common.ModelKeyCluster, err)
	}

	// VALIDATING: every head must clear its gate on the holdout or the
	// whole batch is rejected and the previous production set survives.
	if err := s.transition(ctx, run, domain.StateValidating); err != nil {
		return nil, err
	}
	clsMetrics := classifierMetrics(clsModel, testX, testY, len(labels))
	if clsMetrics["accuracy"] < s.cfg.AccuracyFloor {
		return nil, &domain.ValidationFailure{
			ModelName: common.ModelKeyClassifier,
			Reason:    fmt.Sprintf("holdout accuracy %.3f below floor %.2f", clsMetrics["accuracy"], s.cfg.AccuracyFloor),
		}
	}
	riskMetrics := regressorMetrics(riskModel, testX, testR)
	if riskMetrics["mae"] > s.cfg.MAECeiling {
		return nil, &domain.ValidationFailure{
			ModelName: common.ModelKeyRisk,
			Reason:    fmt.Sprintf("holdout MAE %.3f above ceiling %.2f", riskMetrics["mae"], s.cfg.MAECeiling),
		}
	}
	baseline := s.cfg.Contamination
	if s.served != nil {
		rate, n, err := s.served.FlagRate(ctx, from)
		switch {
		case err != nil:
			log.Printf("Warning: could not read served flag rate, gating against contamination target: %v", err)
		case n >= minServedBaseline:
			baseline = rate
		}
	}
	anomalyM := anomalyMetrics(ifModel, testX)
	anomalyM["baseline_flag_rate"] = baseline
	if math.Abs(anomalyM["flag_rate"]-baseline) > s.cfg.FlagRateTolerance {
		return nil, &domain.ValidationFailure{
			ModelName: common.ModelKeyAnomaly,
			Reason: fmt.Sprintf("holdout flag rate %.3f outside %.2f±%.2f",
				anomalyM["flag_rate"], baseline, s.cfg.FlagRateTolerance),
		}
	}
	if clusterModel.ClusterCount() == 0 {
		return nil, &domain.ValidationFailure{
			ModelName: common.ModelKeyCluster,
			Reason:    "no clusters found",
		}
	}
	clusterM := map[string]float64{
		"clusters": float64(clusterModel.ClusterCount()),
		"noise":    float64(clusterModel.NoiseCount()),
		"n_train":  float64(len(trainX)),
	}

	// PROMOTED: persist all four artifacts and flip them to production
	// in one transaction, guarded by the production versions observed
	// before this run started training.
	candidates := []struct {
		key     string
		blob    func() ([]byte, error)
		format  string
		hyper   map[string]any
		metrics map[string]float64
	}{
		{common.ModelKeyAnomaly, ifModel.MarshalBinary, "json/iforest-v1", map[string]any{
			"num_trees":     s.cfg.IForestTrees,
			"sample_size":   s.cfg.IForestSampleSize,
			"contamination": s.cfg.Contamination,
		}, anomalyM},
		{common.ModelKeyClassifier, clsModel.MarshalBinary, "json/softmax-v1", map[string]any{
			"learning_rate": softmax.DefaultTrainOptions().LearningRate,
			"epochs":        softmax.DefaultTrainOptions().Epochs,
			"l2":            softmax.DefaultTrainOptions().L2,
		}, clsMetrics},
		{common.ModelKeyRisk, riskModel.MarshalBinary, "json/ridge-v1", map[string]any{
			"lambda": riskreg.DefaultTrainOptions().Lambda,
		}, riskMetrics},
		{common.ModelKeyCluster, clusterModel.MarshalBinary, "json/dbscan-v1", map[string]any{
			"eps":        cluster.DefaultTrainOptions().Eps,
			"min_points": cluster.DefaultTrainOptions().MinPoints,
		}, clusterM},
	}

	promotions := make([]repository.Promotion, 0, len(candidates))
	details := map[string]any{
		"users":    len(users),
		"skipped":  skipped,
		"vectors":  len(vectors),
		"train_n":  len(trainX),
		"test_n":   len(testX),
		"versions": map[string]int{},
	}
	versions := details["versions"].(map[string]int)

	for _, c := range candidates {
		expected := 0
		if prod, err := s.registry.GetProduction(ctx, c.key); err != nil {
			return nil, err
		} else if prod != nil {
			expected = prod.Version
		}
		version, err := s.registry.NextVersion(ctx, c.key)
		if err != nil {
			return nil, err
		}
		blob, err := c.blob()
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", c.key, err)
		}
		hyperJSON, _ := json.Marshal(c.hyper)
		metricJSON, _ := json.Marshal(c.metrics)
		inserted, err := s.registry.InsertVersion(ctx, domain.ModelVersion{
			ModelName:         c.key,
			Version:           version,
			FeatureSchemaJSON: common.FeatureSchemaJSON(feat.SpecVersion),
			TrainedFrom:       from,
			TrainedTo:         now,
			HyperparamsJSON:   string(hyperJSON),
			MetricsJSON:       string(metricJSON),
			ArtifactFormat:    c.format,
			ArtifactBlob:      blob,
		})
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", c.key, err)
		}
		versions[c.key] = inserted.Version
		promotions = append(promotions, repository.Promotion{
			ModelName:          c.key,
			Version:            inserted.Version,
			ExpectedProduction: expected,
		})
	}

	if err := s.registry.PromoteAll(ctx, promotions); err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}
	log.Printf("Training run %d promoted %d models (%d vectors, %d users)",
		run.ID, len(promotions), len(vectors), len(users))

	detailsJSON, _ := json.Marshal(details)
	run.DetailsJSON = string(detailsJSON)
	s.finishRun(ctx, run, domain.StatePromoted, nil)
	return run, nil
}

// transition checks cancellation, updates the in-memory state and
// persists it on the run record.
func (s *Service) transition(ctx context.Context, run *domain.TrainingRun, state domain.TrainingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	run.State = state
	run.LastStage = state
	if err := s.registry.UpdateRun(ctx, *run); err != nil {
		log.Printf("Warning: failed to persist training state %s: %v", state, err)
	}
	return nil
}

func (s *Service) finishRun(ctx context.Context, run *domain.TrainingRun, state domain.TrainingState, cause error) {
	now := time.Now().UTC()
	run.State = state
	run.FinishedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := s.registry.UpdateRun(ctx, *run); err != nil {
		log.Printf("Warning: failed to finalize training run %d: %v", run.ID, err)
	}
	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
}

// buildDataset derives class labels from the archetype catalog and the
// risk target as a fixed composite of the behavioral bias scores.
func buildDataset(vectors []domain.FeatureVector, cat *catalog.Catalog, labels []string) ([][]float64, []int, []float64) {
	labelIndex := make(map[string]int, len(labels))
	for i, l := range labels {
		labelIndex[l] = i
	}
	x := make([][]float64, 0, len(vectors))
	y := make([]int, 0, len(vectors))
	risk := make([]float64, 0, len(vectors))
	for i := range vectors {
		best, _ := cat.BestMatch(vectors[i])
		idx, ok := labelIndex[best]
		if !ok {
			continue
		}
		x = append(x, common.Vectorize(vectors[i]))
		y = append(y, idx)
		risk = append(risk, common.Clamp01(
			0.4*vectors[i].EmotionalTradingScore+
				0.35*vectors[i].OverconfidenceScore+
				0.25*vectors[i].LossAversionScore))
	}
	return x, y, risk
}

// splitDataset holds out the last 20% of the user-ordered dataset.
// Vectors arrive sorted by user id, so the split is deterministic.
func splitDataset(x [][]float64, y []int, r []float64) ([][]float64, []int, []float64, [][]float64, []int, []float64) {
	n := len(x)
	if n < 2 {
		return x, y, r, nil, nil, nil
	}
	cut := int(float64(n) * 0.80)
	if cut < 1 {
		cut = 1
	}
	if cut >= n {
		cut = n - 1
	}
	return x[:cut], y[:cut], r[:cut], x[cut:], y[cut:], r[cut:]
}

func classifierMetrics(m *softmax.Model, testX [][]float64, testY []int, classCount int) map[string]float64 {
	if len(testX) == 0 {
		return map[string]float64{"accuracy": 0, "n_test": 0}
	}
	labels := m.Labels()
	correct := 0
	perClassHit := make([]int, classCount)
	perClassTotal := make([]int, classCount)
	for i := range testX {
		label, _ := m.PredictLabel(testX[i])
		perClassTotal[testY[i]]++
		if testY[i] < len(labels) && labels[testY[i]] == label {
			correct++
			perClassHit[testY[i]]++
		}
	}
	recalls := 0.0
	seen := 0
	for c := 0; c < classCount; c++ {
		if perClassTotal[c] == 0 {
			continue
		}
		recalls += float64(perClassHit[c]) / float64(perClassTotal[c])
		seen++
	}
	macroRecall := 0.0
	if seen > 0 {
		macroRecall = recalls / float64(seen)
	}
	return map[string]float64{
		"accuracy":     float64(correct) / float64(len(testX)),
		"macro_recall": macroRecall,
		"n_test":       float64(len(testX)),
	}
}

func regressorMetrics(m *riskreg.Model, testX [][]float64, testR []float64) map[string]float64 {
	if len(testX) == 0 {
		return map[string]float64{"mae": 0, "rmse": 0, "n_test": 0}
	}
	var absSum, sqSum float64
	for i := range testX {
		d := m.Predict(testX[i]) - testR[i]
		absSum += math.Abs(d)
		sqSum += d * d
	}
	n := float64(len(testX))
	return map[string]float64{
		"mae":    absSum / n,
		"rmse":   math.Sqrt(sqSum / n),
		"n_test": n,
	}
}

func anomalyMetrics(m *iforest.Model, testX [][]float64) map[string]float64 {
	if len(testX) == 0 {
		return map[string]float64{"flag_rate": 0, "score_mean": 0, "score_p95": 0, "n_test": 0}
	}
	scores := m.PredictBatch(testX)
	flagged := 0
	mean := 0.0
	for _, s := range scores {
		mean += s
		if s >= m.FlagThreshold() {
			flagged++
		}
	}
	return map[string]float64{
		"flag_rate":  float64(flagged) / float64(len(scores)),
		"score_mean": mean / float64(len(scores)),
		"score_p95":  percentile(scores, 0.95),
		"threshold":  m.FlagThreshold(),
		"n_test":     float64(len(scores)),
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	index := int(math.Round(p * float64(len(sorted)-1)))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
