package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Scheduler periodically advances runnable packages so work keeps moving
// without callers driving every stage by hand.
type Scheduler struct {
	svc      *Service
	cron     *cron.Cron
	interval time.Duration
	log      *logger.Logger
}

// NewScheduler creates a scheduler ticking at the given interval. A zero
// interval defaults to 15s.
func NewScheduler(svc *Service, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		svc:      svc,
		cron:     cron.New(),
		interval: interval,
		log:      log,
	}
}

// Start begins ticking. The context bounds each sweep, not the scheduler
// lifetime; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		sweep, cancel := context.WithTimeout(ctx, s.interval*4)
		defer cancel()
		s.svc.AdvanceRunnable(sweep)
	})
	if err != nil {
		return fmt.Errorf("schedule advance sweep: %w", err)
	}
	s.cron.Start()
	s.log.WithField("interval", s.interval.String()).Info("scheduler started")
	return nil
}

// Stop halts ticking and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}
