package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Publisher runs one publish cycle.
type Publisher interface {
	Publish(ctx context.Context, trigger string, dryRun bool) (domain.Report, error)
}

// Scheduler runs a publish cycle every Interval so certificates are renewed
// and drifted DNS is repaired without operator action.
type Scheduler struct {
	Publisher Publisher
	Interval  time.Duration
	Log       *slog.Logger
}

// Run blocks until ctx is done. Ticks that find a cycle in flight are
// skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval < time.Second {
		return errors.New("schedule interval must be at least 1s")
	}
	log := s.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+s.Interval.String(), func() {
		report, err := s.Publisher.Publish(ctx, TriggerSchedule, false)
		switch {
		case errors.Is(err, domain.ErrBusy):
			log.Info("scheduled publish skipped", "reason", "busy")
		case err != nil:
			log.Warn("scheduled publish failed", "run_id", report.ID, "err", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	log.Info("publish scheduler started", "interval", s.Interval.String())

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("publish scheduler stopped")
	return nil
}
