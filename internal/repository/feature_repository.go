package repository

import (
	"context"
	"time"

	"trademind/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

// FeatureRepository is the feature store: idempotent upserts keyed by
// (user_id, as_of), point reads for serving and range reads for
// training. Point and range reads never block each other — both are
// plain indexed selects.
type FeatureRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewFeatureRepository(pool PgxPool, tracer trace.Tracer) *FeatureRepository {
	return &FeatureRepository{pool: pool, tracer: tracer}
}

func (r *FeatureRepository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feature_vectors (
			user_id                 TEXT NOT NULL,
			as_of                   TIMESTAMPTZ NOT NULL,
			spec_version            INT NOT NULL,
			event_count             INT NOT NULL,
			avg_trade_size          DOUBLE PRECISION NOT NULL,
			trade_size_stddev       DOUBLE PRECISION NOT NULL,
			trade_size_skew         DOUBLE PRECISION NOT NULL,
			trade_frequency         DOUBLE PRECISION NOT NULL,
			avg_decision_latency    DOUBLE PRECISION NOT NULL,
			decision_consistency    DOUBLE PRECISION NOT NULL,
			risk_appetite           DOUBLE PRECISION NOT NULL,
			diversification_ratio   DOUBLE PRECISION NOT NULL,
			market_timing_score     DOUBLE PRECISION NOT NULL,
			loss_aversion_score     DOUBLE PRECISION NOT NULL,
			overconfidence_score    DOUBLE PRECISION NOT NULL,
			emotional_trading_score DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (user_id, as_of)
		);
		CREATE INDEX IF NOT EXISTS idx_feature_vectors_as_of
			ON feature_vectors (as_of);
	`)
	return err
}

// UpsertVectors is idempotent: rewriting an identical vector leaves
// store state unchanged.
func (r *FeatureRepository) UpsertVectors(ctx context.Context, vectors []domain.FeatureVector) error {
	if len(vectors) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "feature-repo.upsert-vectors")
	defer span.End()

	batch := &pgx.Batch{}
	for _, fv := range vectors {
		batch.Queue(
			`INSERT INTO feature_vectors
			 (user_id, as_of, spec_version, event_count,
			  avg_trade_size, trade_size_stddev, trade_size_skew, trade_frequency,
			  avg_decision_latency, decision_consistency, risk_appetite,
			  diversification_ratio, market_timing_score, loss_aversion_score,
			  overconfidence_score, emotional_trading_score)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (user_id, as_of) DO UPDATE SET
			     spec_version = EXCLUDED.spec_version,
			     event_count = EXCLUDED.event_count,
			     avg_trade_size = EXCLUDED.avg_trade_size,
			     trade_size_stddev = EXCLUDED.trade_size_stddev,
			     trade_size_skew = EXCLUDED.trade_size_skew,
			     trade_frequency = EXCLUDED.trade_frequency,
			     avg_decision_latency = EXCLUDED.avg_decision_latency,
			     decision_consistency = EXCLUDED.decision_consistency,
			     risk_appetite = EXCLUDED.risk_appetite,
			     diversification_ratio = EXCLUDED.diversification_ratio,
			     market_timing_score = EXCLUDED.market_timing_score,
			     loss_aversion_score = EXCLUDED.loss_aversion_score,
			     overconfidence_score = EXCLUDED.overconfidence_score,
			     emotional_trading_score = EXCLUDED.emotional_trading_score`,
			fv.UserID, fv.AsOf.UTC(), fv.SpecVersion, fv.EventCount,
			fv.AvgTradeSize, fv.TradeSizeStdDev, fv.TradeSizeSkew, fv.TradeFrequency,
			fv.AvgDecisionLatency, fv.DecisionConsistency, fv.RiskAppetite,
			fv.DiversificationRatio, fv.MarketTimingScore, fv.LossAversionScore,
			fv.OverconfidenceScore, fv.EmotionalTradingScore,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range vectors {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LatestVector is the serving point read: the newest vector for the
// user no older than maxAge relative to now. Returns
// domain.ErrFeatureNotFound when nothing qualifies.
func (r *FeatureRepository) LatestVector(ctx context.Context, userID string, now time.Time, maxAge time.Duration) (*domain.FeatureVector, error) {
	_, span := r.tracer.Start(ctx, "feature-repo.latest-vector")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		selectVectorColumns+`
		 FROM feature_vectors
		 WHERE user_id = $1 AND as_of >= $2
		 ORDER BY as_of DESC
		 LIMIT 1`,
		userID, now.UTC().Add(-maxAge),
	)
	fv, err := scanVector(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrFeatureNotFound
	}
	if err != nil {
		return nil, err
	}
	return fv, nil
}

// RangeVectors is the training bulk read; an empty userID reads the
// whole population.
func (r *FeatureRepository) RangeVectors(ctx context.Context, userID string, from, to time.Time) ([]domain.FeatureVector, error) {
	_, span := r.tracer.Start(ctx, "feature-repo.range-vectors")
	defer span.End()

	query := selectVectorColumns + `
		 FROM feature_vectors
		 WHERE as_of >= $1 AND as_of <= $2`
	args := []any{from.UTC(), to.UTC()}
	if userID != "" {
		query += ` AND user_id = $3`
		args = append(args, userID)
	}
	query += ` ORDER BY as_of ASC, user_id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vectors []domain.FeatureVector
	for rows.Next() {
		fv, err := scanVector(rows)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, *fv)
	}
	return vectors, rows.Err()
}

const selectVectorColumns = `SELECT user_id, as_of, spec_version, event_count,
	        avg_trade_size, trade_size_stddev, trade_size_skew, trade_frequency,
	        avg_decision_latency, decision_consistency, risk_appetite,
	        diversification_ratio, market_timing_score, loss_aversion_score,
	        overconfidence_score, emotional_trading_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVector(row rowScanner) (*domain.FeatureVector, error) {
	var fv domain.FeatureVector
	var asOf time.Time
	if err := row.Scan(
		&fv.UserID, &asOf, &fv.SpecVersion, &fv.EventCount,
		&fv.AvgTradeSize, &fv.TradeSizeStdDev, &fv.TradeSizeSkew, &fv.TradeFrequency,
		&fv.AvgDecisionLatency, &fv.DecisionConsistency, &fv.RiskAppetite,
		&fv.DiversificationRatio, &fv.MarketTimingScore, &fv.LossAversionScore,
		&fv.OverconfidenceScore, &fv.EmotionalTradingScore,
	); err != nil {
		return nil, err
	}
	fv.AsOf = asOf.UTC()
	return &fv, nil
}
