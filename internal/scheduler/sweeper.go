// Package scheduler turns due reminders into broker messages.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/queue"
)

// DefaultBatch caps how many reminders one query fetches.
const DefaultBatch = 100

// ReminderSource is the slice of repository.ReminderRepo the sweeper needs.
type ReminderSource interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	MarkSent(ctx context.Context, id uint64, at time.Time) (bool, error)
}

// DuePublisher publishes ReminderDueEvents.
type DuePublisher interface {
	PublishReminderDue(ctx context.Context, ev queue.ReminderDueEvent) error
}

// CacheInvalidator drops a user's cached API responses once one of their
// reminders changed state.  It is implemented by middleware.ResponseCache.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, uid uint64) error
}

// Sweeper periodically publishes every pending reminder whose time has
// passed and marks it SENT.  Delivery is at least once: a reminder whose
// publish succeeded but whose MarkSent failed is published again.
type Sweeper struct {
	reminders ReminderSource
	pub       DuePublisher
	cache     CacheInvalidator // optional
	interval  time.Duration
	batch     int
	logger    *zap.Logger
	now       func() time.Time
}

func NewSweeper(reminders ReminderSource, pub DuePublisher, cache CacheInvalidator, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		reminders: reminders,
		pub:       pub,
		cache:     cache,
		interval:  interval,
		batch:     DefaultBatch,
		logger:    logger.Named("sweeper"),
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("reminder sweeper started", zap.Duration("interval", s.interval))
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("reminder sweeper stopped")
			return
		case <-t.C:
		}
	}
}

// RunOnce publishes due reminders and returns how many were marked sent.
// Full batches are followed by another query as long as every reminder of
// the previous batch went out.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.now().UTC()
		due, err := s.reminders.ListDue(ctx, now, s.batch)
		if err != nil {
			return total, err
		}
		sent := 0
		for _, r := range due {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if s.dispatch(ctx, r, now) {
				sent++
			}
		}
		total += sent
		if len(due) < s.batch || sent < len(due) {
			if total > 0 {
				s.logger.Info("reminders sent", zap.Int("count", total))
			}
			return total, nil
		}
	}
}

func (s *Sweeper) dispatch(ctx context.Context, r model.Reminder, now time.Time) bool {
	log := s.logger.With(zap.Uint64("reminder_id", r.ID), zap.Uint64("user_id", r.UserID))

	err := s.pub.PublishReminderDue(ctx, queue.ReminderDueEvent{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Title:      r.Title,
		Message:    r.Message,
		RemindAt:   r.RemindAt,
	})
	if err != nil {
		// stays PENDING and is retried next sweep
		log.Warn("publish reminder failed", zap.Error(err))
		return false
	}

	ok, err := s.reminders.MarkSent(ctx, r.ID, now)
	if err != nil {
		log.Error("mark reminder sent failed", zap.Error(err))
		return false
	}
	if !ok {
		log.Info("reminder changed state during sweep")
		return false
	}
	if s.cache != nil {
		if err := s.cache.InvalidateUser(ctx, r.UserID); err != nil {
			log.Warn("invalidate cached responses failed", zap.Error(err))
		}
	}
	return true
}
