package job

import (
	"context"
	"errors"
	"log"
	"time"

	"trademind/internal/domain"
	"trademind/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type TrainRunner interface {
	Run(ctx context.Context, now time.Time) (*domain.TrainingRun, error)
}

// TrainScheduler kicks off the training pipeline once per day at a
// fixed UTC hour and whenever the drift monitor asks for it.
type TrainScheduler struct {
	tracer  trace.Tracer
	trainer TrainRunner
	retrain <-chan domain.RetrainRequest
	hourUTC int
}

func NewTrainScheduler(tracer trace.Tracer, trainer TrainRunner, retrain <-chan domain.RetrainRequest, hourUTC int) *TrainScheduler {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = 2
	}
	return &TrainScheduler{
		tracer:  tracer,
		trainer: trainer,
		retrain: retrain,
		hourUTC: hourUTC,
	}
}

// Start blocks until ctx is cancelled.
func (s *TrainScheduler) Start(ctx context.Context) {
	if s.trainer == nil {
		log.Println("Train scheduler disabled: no training service")
		<-ctx.Done()
		return
	}

	log.Printf("Train scheduler starting (daily at %02d:00 UTC)...", s.hourUTC)
	timer := time.NewTimer(untilNextRun(time.Now().UTC(), s.hourUTC))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Train scheduler stopped")
			return
		case <-timer.C:
			s.runOnce(ctx, "scheduled")
			timer.Reset(untilNextRun(time.Now().UTC(), s.hourUTC))
		case req, ok := <-s.retrain:
			if !ok {
				s.retrain = nil
				continue
			}
			log.Printf("Retrain requested: %s (PSI %.3f)", req.Reason, req.PSI)
			s.runOnce(ctx, "drift")
		}
	}
}

func (s *TrainScheduler) runOnce(ctx context.Context, cause string) {
	ctx, span := s.tracer.Start(ctx, "train-scheduler.run")
	defer span.End()

	run, err := s.trainer.Run(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, training.ErrRunInProgress) {
			log.Printf("Skipping %s training run: previous run still active", cause)
			return
		}
		var vf *domain.ValidationFailure
		if errors.As(err, &vf) {
			log.Printf("Training run (%s) rejected: %v", cause, vf)
			return
		}
		log.Printf("Training run (%s) failed: %v", cause, err)
		return
	}
	if run != nil {
		log.Printf("Training run %d (%s) finished in state %s", run.ID, cause, run.State)
	}
}

func untilNextRun(now time.Time, hourUTC int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
