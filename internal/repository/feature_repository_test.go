package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trademind/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestUpsertVectorsBatchesStatements(t *testing.T) {
	batchResults := &stubBatchResults{}
	pool := &stubPool{batchResults: batchResults}
	repo := NewFeatureRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	vectors := []domain.FeatureVector{
		{UserID: "u1", AsOf: time.Unix(0, 0)},
		{UserID: "u2", AsOf: time.Unix(0, 0)},
	}
	if err := repo.UpsertVectors(context.Background(), vectors); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.queuedBatch == nil || pool.queuedBatch.Len() != len(vectors) {
		t.Fatalf("expected batch of size %d", len(vectors))
	}
	if batchResults.execCalls != len(vectors) {
		t.Fatalf("expected %d Exec calls, got %d", len(vectors), batchResults.execCalls)
	}
}

func TestLatestVectorScansRow(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pool := &stubPool{rowData: []any{
		"u1", asOf, 1, 40,
		150.0, 12.0, 0.3, 4.5,
		2500.0, 0.8, 0.12,
		0.6, 0.55, 0.4,
		0.3, 0.2,
	}}
	repo := NewFeatureRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	fv, err := repo.LatestVector(context.Background(), "u1", asOf.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fv.UserID != "u1" || fv.EventCount != 40 || fv.AvgTradeSize != 150.0 {
		t.Fatalf("unexpected vector: %+v", fv)
	}
	if !fv.AsOf.Equal(asOf) {
		t.Fatalf("unexpected as_of: %v", fv.AsOf)
	}
}

func TestLatestVectorNotFound(t *testing.T) {
	pool := &stubPool{rowErr: pgx.ErrNoRows}
	repo := NewFeatureRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	_, err := repo.LatestVector(context.Background(), "ghost", time.Now(), time.Hour)
	if !errors.Is(err, domain.ErrFeatureNotFound) {
		t.Fatalf("expected ErrFeatureNotFound, got %v", err)
	}
}

func TestRangeVectorsScopesToUser(t *testing.T) {
	pool := &stubPool{}
	repo := NewFeatureRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	if _, err := repo.RangeVectors(context.Background(), "", time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.lastArgs) != 2 || strings.Contains(pool.lastSQL, "user_id = $3") {
		t.Fatalf("population read should not filter by user: %q %v", pool.lastSQL, pool.lastArgs)
	}

	if _, err := repo.RangeVectors(context.Background(), "u1", time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.lastArgs) != 3 || pool.lastArgs[2] != "u1" {
		t.Fatalf("expected user filter arg, got %v", pool.lastArgs)
	}
	if !strings.Contains(pool.lastSQL, "user_id = $3") {
		t.Fatalf("expected user filter clause, got %q", pool.lastSQL)
	}
}
