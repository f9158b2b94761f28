package job

import (
	"context"
	"log"
	"time"

	"trademind/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type DriftChecker interface {
	Check(ctx context.Context, now time.Time) (*domain.DriftAlert, error)
}

// DriftPoller periodically runs the drift check against recent served
// predictions.
type DriftPoller struct {
	tracer   trace.Tracer
	monitor  DriftChecker
	interval time.Duration
}

func NewDriftPoller(tracer trace.Tracer, monitor DriftChecker, interval time.Duration) *DriftPoller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DriftPoller{tracer: tracer, monitor: monitor, interval: interval}
}

// Start blocks until ctx is cancelled.
func (p *DriftPoller) Start(ctx context.Context) {
	if p.monitor == nil {
		log.Println("Drift poller disabled: no monitor")
		<-ctx.Done()
		return
	}

	log.Printf("Drift poller starting (every %s)...", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Drift poller stopped")
			return
		case <-ticker.C:
			if alert, err := p.monitor.Check(ctx, time.Now().UTC()); err != nil {
				log.Printf("drift check error: %v", err)
			} else if alert != nil {
				log.Printf("drift alert: %s PSI %.3f (threshold %.2f)", alert.Feature, alert.PSI, alert.Threshold)
			}
		}
	}
}
