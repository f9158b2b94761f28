package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trademind/internal/domain"
	"trademind/internal/ml/common"
	"trademind/internal/ml/models/cluster"
	"trademind/internal/ml/models/iforest"
	"trademind/internal/ml/models/riskreg"
	"trademind/internal/ml/models/softmax"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

type VersionStore interface {
	GetProduction(ctx context.Context, modelName string) (*domain.ModelVersion, error)
}

type FeatureStore interface {
	LatestVector(ctx context.Context, userID string, now time.Time, maxAge time.Duration) (*domain.FeatureVector, error)
	UpsertVectors(ctx context.Context, vectors []domain.FeatureVector) error
}

type FeatureComputer interface {
	Compute(ctx context.Context, userID string, asOf time.Time, lookback time.Duration) (domain.FeatureVector, error)
}

type PredictionLog interface {
	InsertPrediction(ctx context.Context, res domain.PredictionResult, latency time.Duration) error
}

// snapshot is one immutable view of the production model set. Heads
// that failed to load stay nil and degrade per-head at predict time.
type snapshot struct {
	anomaly    *iforest.Model
	classifier *softmax.Model
	risk       *riskreg.Model
	cluster    *cluster.Model
	versions   map[string]int
	loadedAt   time.Time
}

// versionTag keys cached predictions so a promotion invalidates every
// stale entry implicitly.
func (s *snapshot) versionTag() string {
	keys := make([]string, 0, len(s.versions))
	for k := range s.versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tag := ""
	for _, k := range keys {
		tag += k + ":" + strconv.Itoa(s.versions[k]) + ";"
	}
	return tag
}

// ModelCache holds the loaded production models behind an atomic
// pointer. Readers never block; a promotion swaps the whole snapshot.
type ModelCache struct {
	registry VersionStore
	tracer   trace.Tracer

	current atomic.Pointer[snapshot]
	loadMu  sync.Mutex
}

func NewModelCache(registry VersionStore, tracer trace.Tracer) *ModelCache {
	return &ModelCache{registry: registry, tracer: tracer}
}

// Invalidate drops the current snapshot; the next Snapshot call reloads
// from the registry. Wired to the registry's promotion hook.
func (c *ModelCache) Invalidate() {
	c.current.Store(nil)
}

// Snapshot returns the live model set, loading it on first use or after
// an invalidation. Returns domain.ErrModelNotFound when no head has a
// production version.
func (c *ModelCache) Snapshot(ctx context.Context) (*snapshot, error) {
	if s := c.current.Load(); s != nil {
		return s, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if s := c.current.Load(); s != nil {
		return s, nil
	}

	_, span := c.tracer.Start(ctx, "model-cache.load")
	defer span.End()

	s := &snapshot{versions: make(map[string]int, len(common.ModelKeys)), loadedAt: time.Now().UTC()}
	loaded := 0
	for _, key := range common.ModelKeys {
		mv, err := c.registry.GetProduction(ctx, key)
		if err != nil {
			return nil, err
		}
		if mv == nil {
			continue
		}
		switch key {
		case common.ModelKeyAnomaly:
			m, err := iforest.UnmarshalBinary(mv.ArtifactBlob)
			if err != nil {
				log.Printf("Warning: failed to load %s v%d: %v", key, mv.Version, err)
				continue
			}
			s.anomaly = m
		case common.ModelKeyClassifier:
			m, err := softmax.UnmarshalBinary(mv.ArtifactBlob)
			if err != nil {
				log.Printf("Warning: failed to load %s v%d: %v", key, mv.Version, err)
				continue
			}
			s.classifier = m
		case common.ModelKeyRisk:
			m, err := riskreg.UnmarshalBinary(mv.ArtifactBlob)
			if err != nil {
				log.Printf("Warning: failed to load %s v%d: %v", key, mv.Version, err)
				continue
			}
			s.risk = m
		case common.ModelKeyCluster:
			m, err := cluster.UnmarshalBinary(mv.ArtifactBlob)
			if err != nil {
				log.Printf("Warning: failed to load %s v%d: %v", key, mv.Version, err)
				continue
			}
			s.cluster = m
		}
		s.versions[key] = mv.Version
		loaded++
	}
	if loaded == 0 {
		return nil, domain.ErrModelNotFound
	}

	c.current.Store(s)
	log.Printf("Loaded %d production models", loaded)
	return s, nil
}

// Versions reports the loaded production versions without forcing a
// load.
func (c *ModelCache) Versions() map[string]int {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	out := make(map[string]int, len(s.versions))
	for k, v := range s.versions {
		out[k] = v
	}
	return out
}

type Config struct {
	FeatureStaleness   time.Duration
	Lookback           time.Duration
	BudgetCached       time.Duration
	BudgetOnDemand     time.Duration
	PredictionCacheTTL time.Duration
}

// Service serves predictions against the cached production models.
// Individual head failures degrade that head only; the response always
// reports which heads degraded.
type Service struct {
	tracer   trace.Tracer
	models   *ModelCache
	features FeatureStore
	engine   FeatureComputer
	redis    *redis.Client
	plog     PredictionLog
	cfg      Config
}

func NewService(
	tracer trace.Tracer,
	models *ModelCache,
	features FeatureStore,
	engine FeatureComputer,
	redisClient *redis.Client,
	plog PredictionLog,
	cfg Config,
) *Service {
	if cfg.FeatureStaleness <= 0 {
		cfg.FeatureStaleness = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 90 * 24 * time.Hour
	}
	if cfg.BudgetCached <= 0 {
		cfg.BudgetCached = 100 * time.Millisecond
	}
	if cfg.BudgetOnDemand <= 0 {
		cfg.BudgetOnDemand = 500 * time.Millisecond
	}
	if cfg.PredictionCacheTTL <= 0 {
		cfg.PredictionCacheTTL = 5 * time.Minute
	}
	return &Service{
		tracer:   tracer,
		models:   models,
		features: features,
		engine:   engine,
		redis:    redisClient,
		plog:     plog,
		cfg:      cfg,
	}
}

// Predict runs the full model set for one user. Extra features with
// known names override the stored values; unknown names are echoed back
// untouched so clients can tell they were not fed to the fixed-schema
// heads.
func (s *Service) Predict(ctx context.Context, userID string, extra map[string]float64) (*domain.PredictionResult, error) {
	ctx, span := s.tracer.Start(ctx, "serving.predict")
	defer span.End()

	started := time.Now()

	snap, err := s.models.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// The cached budget bounds the point read and everything after it.
	// A miss upgrades the deadline to the on-demand budget before the
	// engine runs; a slow feature store surfaces as a timeout error.
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.BudgetCached)
	defer cancel()

	fv, err := s.features.LatestVector(runCtx, userID, now, s.cfg.FeatureStaleness)
	if err != nil {
		if !errors.Is(err, domain.ErrFeatureNotFound) {
			return nil, err
		}
		odCtx, odCancel := context.WithTimeout(ctx, s.cfg.BudgetOnDemand)
		defer odCancel()
		runCtx = odCtx
		fv, err = s.computeOnDemand(odCtx, userID, now)
		if err != nil {
			return nil, err
		}
	}

	values, appended := common.Override(common.Vectorize(*fv), extra)
	cacheKey := "predict:" + common.VectorHash(userID, values) + ":" + common.VectorHash(snap.versionTag(), nil)

	if cached := s.cacheGet(runCtx, cacheKey); cached != nil {
		cached.Cached = true
		return cached, nil
	}

	if err := runCtx.Err(); err != nil {
		return nil, fmt.Errorf("prediction budget exceeded: %w", err)
	}
	res := s.runHeads(snap, userID, fv.AsOf, values)
	res.ExtraFeatures = appended
	res.GeneratedAt = time.Now().UTC()

	s.cacheSet(runCtx, cacheKey, res)
	if s.plog != nil {
		if err := s.plog.InsertPrediction(runCtx, *res, time.Since(started)); err != nil {
			log.Printf("Warning: failed to log prediction for %s: %v", userID, err)
		}
	}
	return res, nil
}

// BatchPredict serves a set of users; per-user failures are reported in
// the errors map instead of failing the batch.
func (s *Service) BatchPredict(ctx context.Context, userIDs []string, extra map[string]float64) (map[string]*domain.PredictionResult, map[string]error) {
	results := make(map[string]*domain.PredictionResult, len(userIDs))
	failures := make(map[string]error)
	for _, userID := range userIDs {
		res, err := s.Predict(ctx, userID, extra)
		if err != nil {
			failures[userID] = err
			continue
		}
		results[userID] = res
	}
	return results, failures
}

// computeOnDemand builds a fresh vector when the stored one is missing
// or stale. The computed vector is persisted so the next call hits the
// fast path.
func (s *Service) computeOnDemand(ctx context.Context, userID string, now time.Time) (*domain.FeatureVector, error) {
	computed, err := s.engine.Compute(ctx, userID, now, s.cfg.Lookback)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			return nil, fmt.Errorf("%w: %v", domain.ErrFeatureNotFound, err)
		}
		return nil, err
	}
	if err := s.features.UpsertVectors(ctx, []domain.FeatureVector{computed}); err != nil {
		log.Printf("Warning: failed to persist on-demand vector for %s: %v", userID, err)
	}
	return &computed, nil
}

// runHeads evaluates every loaded head. A panicking or missing head
// lands in DegradedHeads; the rest of the result is still served.
func (s *Service) runHeads(snap *snapshot, userID string, asOf time.Time, values []float64) *domain.PredictionResult {
	res := &domain.PredictionResult{
		UserID:        userID,
		AsOf:          asOf,
		ModelVersions: map[string]int{},
	}

	degrade := func(key string) {
		res.DegradedHeads = append(res.DegradedHeads, key)
	}
	runHead := func(key string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Warning: model head %s panicked: %v", key, r)
				degrade(key)
			}
		}()
		fn()
	}

	if snap.anomaly == nil {
		degrade(common.ModelKeyAnomaly)
	} else {
		runHead(common.ModelKeyAnomaly, func() {
			score, flag := snap.anomaly.Predict(values)
			res.AnomalyScore = &score
			res.AnomalyFlag = &flag
			res.ModelVersions[common.ModelKeyAnomaly] = snap.versions[common.ModelKeyAnomaly]
		})
	}

	if snap.classifier == nil {
		degrade(common.ModelKeyClassifier)
	} else {
		runHead(common.ModelKeyClassifier, func() {
			label, conf := snap.classifier.PredictLabel(values)
			res.PatternLabel = label
			res.PatternConfidence = &conf
			res.ModelVersions[common.ModelKeyClassifier] = snap.versions[common.ModelKeyClassifier]
		})
	}

	if snap.risk == nil {
		degrade(common.ModelKeyRisk)
	} else {
		runHead(common.ModelKeyRisk, func() {
			score := snap.risk.Predict(values)
			res.RiskScore = &score
			res.ModelVersions[common.ModelKeyRisk] = snap.versions[common.ModelKeyRisk]
		})
	}

	if snap.cluster == nil {
		degrade(common.ModelKeyCluster)
	} else {
		runHead(common.ModelKeyCluster, func() {
			id := snap.cluster.Predict(values)
			res.ClusterID = &id
			res.ModelVersions[common.ModelKeyCluster] = snap.versions[common.ModelKeyCluster]
		})
	}

	return res
}

func (s *Service) cacheGet(ctx context.Context, key string) *domain.PredictionResult {
	if s.redis == nil {
		return nil
	}
	blob, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Warning: prediction cache read failed: %v", err)
		}
		return nil
	}
	var res domain.PredictionResult
	if err := json.Unmarshal(blob, &res); err != nil {
		return nil
	}
	return &res
}

func (s *Service) cacheSet(ctx context.Context, key string, res *domain.PredictionResult) {
	if s.redis == nil {
		return
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, blob, s.cfg.PredictionCacheTTL).Err(); err != nil {
		log.Printf("Warning: prediction cache write failed: %v", err)
	}
}
