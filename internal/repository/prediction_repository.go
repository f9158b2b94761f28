package repository

import (
	"context"
	"encoding/json"
	"time"

	"trademind/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

// PredictionRepository logs every served prediction. The drift monitor
// reads recent rows back as its live distribution.
type PredictionRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPredictionRepository(pool PgxPool, tracer trace.Tracer) *PredictionRepository {
	return &PredictionRepository{pool: pool, tracer: tracer}
}

func (r *PredictionRepository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS prediction_log (
			id             BIGSERIAL PRIMARY KEY,
			user_id        TEXT NOT NULL,
			as_of          TIMESTAMPTZ NOT NULL,
			versions_json  TEXT NOT NULL DEFAULT '{}',
			pattern_label  TEXT NOT NULL DEFAULT '',
			risk_score     DOUBLE PRECISION,
			anomaly_score  DOUBLE PRECISION,
			anomaly_flag   BOOLEAN,
			cluster_id     INT,
			degraded       TEXT[] NOT NULL DEFAULT '{}',
			cached         BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_prediction_log_created
			ON prediction_log (created_at);
	`)
	return err
}

func (r *PredictionRepository) InsertPrediction(ctx context.Context, res domain.PredictionResult, latency time.Duration) error {
	_, span := r.tracer.Start(ctx, "prediction-repo.insert-prediction")
	defer span.End()

	versions, err := json.Marshal(res.ModelVersions)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO prediction_log
		 (user_id, as_of, versions_json, pattern_label, risk_score, anomaly_score,
		  anomaly_flag, cluster_id, degraded, cached, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.UserID, res.AsOf.UTC(), string(versions), res.PatternLabel,
		res.RiskScore, res.AnomalyScore, res.AnomalyFlag, res.ClusterID,
		res.DegradedHeads, res.Cached,
		float64(latency.Microseconds())/1000.0,
	)
	return err
}

// PredictionSample is the slice of a logged prediction the drift
// monitor cares about.
type PredictionSample struct {
	RiskScore   *float64
	AnomalyFlag *bool
	CreatedAt   time.Time
}

// RecentSamples returns predictions logged since the cutoff, oldest
// first.
func (r *PredictionRepository) RecentSamples(ctx context.Context, since time.Time, limit int) ([]PredictionSample, error) {
	_, span := r.tracer.Start(ctx, "prediction-repo.recent-samples")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx,
		`SELECT risk_score, anomaly_flag, created_at
		 FROM prediction_log
		 WHERE created_at >= $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []PredictionSample
	for rows.Next() {
		var s PredictionSample
		var created time.Time
		if err := rows.Scan(&s.RiskScore, &s.AnomalyFlag, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = created.UTC()
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// FlagRate computes the observed anomaly flag rate since the cutoff.
// Returns the rate and the number of non-degraded samples behind it.
func (r *PredictionRepository) FlagRate(ctx context.Context, since time.Time) (float64, int, error) {
	_, span := r.tracer.Start(ctx, "prediction-repo.flag-rate")
	defer span.End()

	var flagged, total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE anomaly_flag), COUNT(*)
		 FROM prediction_log
		 WHERE created_at >= $1 AND anomaly_flag IS NOT NULL`,
		since.UTC(),
	).Scan(&flagged, &total)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(flagged) / float64(total), total, nil
}
