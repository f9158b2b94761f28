package monitor

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"trademind/internal/domain"
	"trademind/internal/repository"

	"go.opentelemetry.io/otel/trace"
)

type SampleSource interface {
	RecentSamples(ctx context.Context, since time.Time, limit int) ([]repository.PredictionSample, error)
}

type Config struct {
	PSIThreshold  float64
	Window        time.Duration
	Bins          int
	LatencyWindow int
	MinLive       int
}

func DefaultConfig() Config {
	return Config{
		PSIThreshold:  0.2,
		Window:        24 * time.Hour,
		Bins:          10,
		LatencyWindow: 2048,
		MinLive:       50,
	}
}

// Monitor tracks serving health (latency percentiles, per-head
// degradation rates) and population stability (PSI of served risk
// scores against the training baseline). Drift only ever requests a
// retrain; it never touches the model registry itself.
type Monitor struct {
	tracer  trace.Tracer
	samples SampleSource
	cfg     Config

	mu        sync.Mutex
	latencies []float64
	latIdx    int
	latFull   bool
	served    int64
	degraded  map[string]int64
	baseline  []float64
	alerts    []domain.DriftAlert

	retrainCh chan domain.RetrainRequest
}

func NewMonitor(tracer trace.Tracer, samples SampleSource, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.PSIThreshold <= 0 {
		cfg.PSIThreshold = def.PSIThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Bins <= 1 {
		cfg.Bins = def.Bins
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.MinLive <= 0 {
		cfg.MinLive = def.MinLive
	}
	return &Monitor{
		tracer:    tracer,
		samples:   samples,
		cfg:       cfg,
		latencies: make([]float64, cfg.LatencyWindow),
		degraded:  make(map[string]int64),
		retrainCh: make(chan domain.RetrainRequest, 1),
	}
}

// Retrain is the advisory channel the training scheduler listens on.
func (m *Monitor) Retrain() <-chan domain.RetrainRequest {
	return m.retrainCh
}

// SetBaseline replaces the reference risk-score distribution. Called
// after every promotion with the scores the new regressor produced on
// its training population.
func (m *Monitor) SetBaseline(scores []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = append([]float64(nil), scores...)
}

func (m *Monitor) RecordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[m.latIdx] = ms
	m.latIdx++
	if m.latIdx >= len(m.latencies) {
		m.latIdx = 0
		m.latFull = true
	}
}

func (m *Monitor) RecordServed(degradedHeads []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.served++
	for _, head := range degradedHeads {
		m.degraded[head]++
	}
}

// LatencyPercentiles returns the rolling p95 and p99 serve latencies in
// milliseconds.
func (m *Monitor) LatencyPercentiles() (p95, p99 float64) {
	m.mu.Lock()
	n := m.latIdx
	if m.latFull {
		n = len(m.latencies)
	}
	window := append([]float64(nil), m.latencies[:n]...)
	m.mu.Unlock()

	if len(window) == 0 {
		return 0, 0
	}
	sort.Float64s(window)
	return percentileSorted(window, 0.95), percentileSorted(window, 0.99)
}

// ErrorRates returns the fraction of served predictions on which each
// head degraded.
func (m *Monitor) ErrorRates() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.degraded))
	if m.served == 0 {
		return out
	}
	for head, count := range m.degraded {
		out[head] = float64(count) / float64(m.served)
	}
	return out
}

// RecentAlerts returns drift alerts emitted so far, newest last.
func (m *Monitor) RecentAlerts() []domain.DriftAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DriftAlert(nil), m.alerts...)
}

// Check computes the PSI of recently served risk scores against the
// baseline. Crossing the threshold records an alert and posts a
// non-blocking retrain request.
func (m *Monitor) Check(ctx context.Context, now time.Time) (*domain.DriftAlert, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.check")
	defer span.End()

	m.mu.Lock()
	baseline := m.baseline
	m.mu.Unlock()
	if len(baseline) == 0 {
		return nil, nil
	}

	samples, err := m.samples.RecentSamples(ctx, now.Add(-m.cfg.Window), 10000)
	if err != nil {
		return nil, err
	}
	live := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.RiskScore != nil {
			live = append(live, *s.RiskScore)
		}
	}
	if len(live) < m.cfg.MinLive {
		return nil, nil
	}

	score := psi(baseline, live, m.cfg.Bins)
	if score <= m.cfg.PSIThreshold {
		return nil, nil
	}

	alert := domain.DriftAlert{
		Feature:    "risk_score",
		PSI:        score,
		Threshold:  m.cfg.PSIThreshold,
		DetectedAt: now.UTC(),
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > 100 {
		m.alerts = m.alerts[len(m.alerts)-100:]
	}
	m.mu.Unlock()

	req := domain.RetrainRequest{
		Reason:      "risk score distribution drift",
		PSI:         score,
		RequestedAt: now.UTC(),
	}
	select {
	case m.retrainCh <- req:
		log.Printf("Drift detected (PSI %.3f > %.2f), retrain requested", score, m.cfg.PSIThreshold)
	default:
		// A request is already pending; no need to queue another.
	}
	return &alert, nil
}

// psi computes the population stability index over baseline-quantile
// bins. Empty bins are floored to keep the logs finite.
func psi(baseline, live []float64, bins int) float64 {
	edges := quantileEdges(baseline, bins)
	basePct := binShares(baseline, edges)
	livePct := binShares(live, edges)

	const floor = 1e-4
	total := 0.0
	for i := range basePct {
		b := math.Max(basePct[i], floor)
		l := math.Max(livePct[i], floor)
		total += (l - b) * math.Log(l/b)
	}
	return total
}

func quantileEdges(values []float64, bins int) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	edges := make([]float64, bins-1)
	for i := 1; i < bins; i++ {
		edges[i-1] = percentileSorted(sorted, float64(i)/float64(bins))
	}
	return edges
}

func binShares(values []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		idx := sort.SearchFloat64s(edges, v)
		counts[idx]++
	}
	for i := range counts {
		counts[i] /= float64(len(values))
	}
	return counts
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
