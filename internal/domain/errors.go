package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData: too few events in the lookback window to
	// compute a feature vector. Recoverable, callers retry later.
	ErrInsufficientData = errors.New("insufficient events for feature computation")

	// ErrFeatureNotFound: no stored vector and on-demand computation
	// also failed. Surfaces as a 404-equivalent.
	ErrFeatureNotFound = errors.New("feature vector not found")

	// ErrModelNotFound: no production artifact is loaded. Surfaces as a
	// 503-equivalent (service not ready).
	ErrModelNotFound = errors.New("no production model available")

	// ErrConcurrentModification: a registry write lost an optimistic
	// version check. Callers retry or fail, never overwrite.
	ErrConcurrentModification = errors.New("concurrent registry modification")
)

// FeatureComputationError marks an invariant violation inside the
// feature engine. Vectors carrying one are never stored.
type FeatureComputationError struct {
	Feature string
	Value   float64
}

func (e *FeatureComputationError) Error() string {
	return fmt.Sprintf("feature %q out of bounds: %v", e.Feature, e.Value)
}

// ValidationFailure rejects a training candidate. Non-fatal: the
// previous production model stays active.
type ValidationFailure struct {
	ModelName string
	Reason    string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.ModelName, e.Reason)
}

// IngestError reports a malformed inbound event with per-field detail
// instead of silently dropping it.
type IngestError struct {
	Index  int               `json:"index"`
	Fields map[string]string `json:"fields"`
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("event %d rejected: %d invalid fields", e.Index, len(e.Fields))
}
