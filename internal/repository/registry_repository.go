package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trademind/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

// Promotion moves one staged version to production atomically with the
// demotion of the current production version.
type Promotion struct {
	ModelName string
	Version   int
	// ExpectedProduction is the production version observed when the
	// candidate was built (0 = none). A mismatch at commit time means a
	// concurrent promotion won, and the write fails instead of
	// overwriting it.
	ExpectedProduction int
}

// RegistryRepository versions model artifacts with stage labels. All
// stage transitions happen in a single transaction; listeners are
// notified only after commit.
type RegistryRepository struct {
	pool   PgxPool
	tracer trace.Tracer

	mu        sync.Mutex
	listeners []func()
}

func NewRegistryRepository(pool PgxPool, tracer trace.Tracer) *RegistryRepository {
	return &RegistryRepository{pool: pool, tracer: tracer}
}

func (r *RegistryRepository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS model_versions (
			id                  BIGSERIAL PRIMARY KEY,
			model_name          TEXT NOT NULL,
			version             INT NOT NULL,
			stage               TEXT NOT NULL DEFAULT 'staging',
			feature_schema_json TEXT NOT NULL DEFAULT '{}',
			trained_from        TIMESTAMPTZ NOT NULL,
			trained_to          TIMESTAMPTZ NOT NULL,
			hyperparams_json    TEXT NOT NULL DEFAULT '{}',
			metrics_json        TEXT NOT NULL DEFAULT '{}',
			artifact_format     TEXT NOT NULL,
			artifact_blob       BYTEA NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (model_name, version)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_model_versions_production
			ON model_versions (model_name) WHERE stage = 'production';
		CREATE TABLE IF NOT EXISTS training_runs (
			id           BIGSERIAL PRIMARY KEY,
			state        TEXT NOT NULL,
			last_stage   TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at  TIMESTAMPTZ,
			error        TEXT NOT NULL DEFAULT '',
			details_json TEXT NOT NULL DEFAULT '{}'
		);
	`)
	return err
}

// OnPromotion registers a callback fired after every committed stage
// change. The serving layer uses it to invalidate its model snapshot.
func (r *RegistryRepository) OnPromotion(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *RegistryRepository) notifyPromotion() {
	r.mu.Lock()
	listeners := append(([]func())(nil), r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (r *RegistryRepository) NextVersion(ctx context.Context, modelName string) (int, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.next-version")
	defer span.End()

	var version int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE model_name = $1`,
		modelName,
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// InsertVersion stores a new artifact in the staging stage.
func (r *RegistryRepository) InsertVersion(ctx context.Context, mv domain.ModelVersion) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.insert-version")
	defer span.End()

	mv.Stage = domain.StageStaging
	err := r.pool.QueryRow(ctx,
		`INSERT INTO model_versions
		 (model_name, version, stage, feature_schema_json, trained_from, trained_to,
		  hyperparams_json, metrics_json, artifact_format, artifact_blob)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		mv.ModelName, mv.Version, string(mv.Stage), mv.FeatureSchemaJSON,
		mv.TrainedFrom.UTC(), mv.TrainedTo.UTC(),
		mv.HyperparamsJSON, mv.MetricsJSON, mv.ArtifactFormat, mv.ArtifactBlob,
	).Scan(&mv.ID, &mv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

// GetProduction returns the single production version for a model, or
// (nil, nil) when none exists.
func (r *RegistryRepository) GetProduction(ctx context.Context, modelName string) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.get-production")
	defer span.End()

	mv, err := scanModelVersion(r.pool.QueryRow(ctx,
		selectModelColumns+` FROM model_versions WHERE model_name = $1 AND stage = 'production'`,
		modelName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return mv, err
}

func (r *RegistryRepository) GetVersion(ctx context.Context, modelName string, version int) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.get-version")
	defer span.End()

	mv, err := scanModelVersion(r.pool.QueryRow(ctx,
		selectModelColumns+` FROM model_versions WHERE model_name = $1 AND version = $2`,
		modelName, version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return mv, err
}

// ListVersions returns version metadata without artifact blobs, newest
// first.
func (r *RegistryRepository) ListVersions(ctx context.Context, modelName string, limit int) ([]domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.list-versions")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, model_name, version, stage, feature_schema_json, trained_from,
		        trained_to, hyperparams_json, metrics_json, artifact_format, created_at
		 FROM model_versions
		 WHERE model_name = $1
		 ORDER BY version DESC
		 LIMIT $2`,
		modelName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.ModelVersion
	for rows.Next() {
		var mv domain.ModelVersion
		var stage string
		var from, to, created time.Time
		if err := rows.Scan(
			&mv.ID, &mv.ModelName, &mv.Version, &stage, &mv.FeatureSchemaJSON,
			&from, &to, &mv.HyperparamsJSON, &mv.MetricsJSON, &mv.ArtifactFormat, &created,
		); err != nil {
			return nil, err
		}
		mv.Stage = domain.ModelStage(stage)
		mv.TrainedFrom = from.UTC()
		mv.TrainedTo = to.UTC()
		mv.CreatedAt = created.UTC()
		versions = append(versions, mv)
	}
	return versions, rows.Err()
}

// PromoteAll applies every promotion in one transaction: each model's
// current production version (locked FOR UPDATE) must match the
// expectation, moves to archived, and the staged candidate becomes
// production. Any mismatch rolls the whole batch back.
func (r *RegistryRepository) PromoteAll(ctx context.Context, promotions []Promotion) error {
	if len(promotions) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "registry-repo.promote-all")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range promotions {
		current := 0
		err := tx.QueryRow(ctx,
			`SELECT version FROM model_versions
			 WHERE model_name = $1 AND stage = 'production'
			 FOR UPDATE`,
			p.ModelName,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if current != p.ExpectedProduction {
			return fmt.Errorf("%w: %s production is v%d, expected v%d",
				domain.ErrConcurrentModification, p.ModelName, current, p.ExpectedProduction)
		}
		if current > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE model_versions SET stage = 'archived'
				 WHERE model_name = $1 AND stage = 'production'`,
				p.ModelName,
			); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE model_versions SET stage = 'production'
			 WHERE model_name = $1 AND version = $2 AND stage = 'staging'`,
			p.ModelName, p.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("promote %s v%d: %w", p.ModelName, p.Version, pgx.ErrNoRows)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.notifyPromotion()
	return nil
}

// RollbackTo re-promotes an archived version, demoting the current
// production version in the same transaction.
func (r *RegistryRepository) RollbackTo(ctx context.Context, modelName string, version int) error {
	_, span := r.tracer.Start(ctx, "registry-repo.rollback-to")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE model_versions SET stage = 'archived'
		 WHERE model_name = $1 AND stage = 'production'`,
		modelName,
	); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE model_versions SET stage = 'production'
		 WHERE model_name = $1 AND version = $2 AND stage = 'archived'`,
		modelName, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("rollback %s to v%d: %w", modelName, version, pgx.ErrNoRows)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.notifyPromotion()
	return nil
}

func (r *RegistryRepository) InsertRun(ctx context.Context, run domain.TrainingRun) (*domain.TrainingRun, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.insert-run")
	defer span.End()

	err := r.pool.QueryRow(ctx,
		`INSERT INTO training_runs (state, last_stage, started_at, error, details_json)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		string(run.State), string(run.LastStage), run.StartedAt.UTC(), run.Error, run.DetailsJSON,
	).Scan(&run.ID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RegistryRepository) UpdateRun(ctx context.Context, run domain.TrainingRun) error {
	_, span := r.tracer.Start(ctx, "registry-repo.update-run")
	defer span.End()

	var finished *time.Time
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		finished = &t
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE training_runs
		 SET state = $2, last_stage = $3, finished_at = $4, error = $5, details_json = $6
		 WHERE id = $1`,
		run.ID, string(run.State), string(run.LastStage), finished, run.Error, run.DetailsJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return pgx.ErrNoRows
	}
	return nil
}

const selectModelColumns = `SELECT id, model_name, version, stage, feature_schema_json,
	        trained_from, trained_to, hyperparams_json, metrics_json,
	        artifact_format, artifact_blob, created_at`

func scanModelVersion(row rowScanner) (*domain.ModelVersion, error) {
	var mv domain.ModelVersion
	var stage string
	var from, to, created time.Time
	if err := row.Scan(
		&mv.ID, &mv.ModelName, &mv.Version, &stage, &mv.FeatureSchemaJSON,
		&from, &to, &mv.HyperparamsJSON, &mv.MetricsJSON,
		&mv.ArtifactFormat, &mv.ArtifactBlob, &created,
	); err != nil {
		return nil, err
	}
	mv.Stage = domain.ModelStage(stage)
	mv.TrainedFrom = from.UTC()
	mv.TrainedTo = to.UTC()
	mv.CreatedAt = created.UTC()
	return &mv, nil
}
