package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/model"
)

// DefaultNotificationLog is where deliveries are recorded.
const DefaultNotificationLog = "logs/notifications.log"

// SubscriptionLister returns a user's push subscriptions.
type SubscriptionLister interface {
	ListByUser(ctx context.Context, userID uint64) ([]model.Subscription, error)
}

// Dispatcher records reminder deliveries and registrations as single
// lines in the notification log.
type Dispatcher struct {
	subs   SubscriptionLister
	logger *zap.Logger
	now    func() time.Time

	mu  sync.Mutex
	out io.Writer
}

// NewDispatcher writes to out.  out must be safe to write from one
// goroutine at a time; the dispatcher serialises its own writes.
func NewDispatcher(subs SubscriptionLister, out io.Writer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{subs: subs, out: out, logger: logger, now: time.Now}
}

// OpenNotificationLog opens path for appending, creating its directory.
func OpenNotificationLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open notification log: %w", err)
	}
	return f, nil
}

// HandleReminder fans a ReminderDueEvent out to every subscription of the
// user, one log line per endpoint.
func (d *Dispatcher) HandleReminder(ctx context.Context, body []byte) error {
	var ev ReminderDueEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal reminder: %w", ErrPermanent, err)
	}
	if ev.UserID == 0 || ev.ReminderID == 0 {
		return fmt.Errorf("%w: reminder event missing ids: %s", ErrPermanent, body)
	}

	subs, err := d.subs.ListByUser(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("list subscriptions for user %d: %w", ev.UserID, err)
	}
	if len(subs) == 0 {
		d.logger.Info("reminder due but user has no subscriptions",
			zap.Uint64("reminder_id", ev.ReminderID), zap.Uint64("user_id", ev.UserID))
		return nil
	}

	ts := d.now().UTC().Format(time.RFC3339)
	var b strings.Builder
	for _, s := range subs {
		fmt.Fprintf(&b, "[%s] Reminder delivered | reminder_id=%d | user_id=%d | title=%q | remind_at=%s | endpoint=%q\n",
			ts, ev.ReminderID, ev.UserID, ev.Title, ev.RemindAt.UTC().Format(time.RFC3339), s.Endpoint)
	}
	if err := d.write(b.String()); err != nil {
		return err
	}
	d.logger.Info("reminder dispatched",
		zap.Uint64("reminder_id", ev.ReminderID), zap.Int("subscriptions", len(subs)))
	return nil
}

// HandleRegistration records a PatientRegisteredEvent.
func (d *Dispatcher) HandleRegistration(_ context.Context, body []byte) error {
	var ev PatientRegisteredEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal registration: %w", ErrPermanent, err)
	}
	if ev.UserID == 0 {
		return fmt.Errorf("%w: registration event missing user id: %s", ErrPermanent, body)
	}
	at := ev.RegisteredAt
	if at.IsZero() {
		at = d.now()
	}
	return d.write(fmt.Sprintf("[%s] Patient registered | user_id=%d | email=%q | name=%q | role=%s\n",
		at.UTC().Format(time.RFC3339), ev.UserID, ev.Email, ev.FullName, ev.Role))
}

func (d *Dispatcher) write(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := io.WriteString(d.out, s); err != nil {
		return fmt.Errorf("write notification log: %w", err)
	}
	return nil
}
