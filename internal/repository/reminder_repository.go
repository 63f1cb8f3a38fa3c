package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/patient-care-reminder/internal/model"
)

const reminderColumns = "id,user_id,title,message,remind_at,status,sent_at,created_at,updated_at"

// ReminderRepo stores care reminders.
type ReminderRepo struct{ DB *sql.DB }

func NewReminderRepo(db *sql.DB) *ReminderRepo { return &ReminderRepo{DB: db} }

// Create inserts a pending reminder and fills in ID, Status and CreatedAt.
func (r *ReminderRepo) Create(ctx context.Context, rem *model.Reminder) error {
	rem.RemindAt = rem.RemindAt.UTC()
	rem.Title = strings.TrimSpace(rem.Title)
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO reminders (user_id,title,message,remind_at,status) VALUES (?,?,?,?,?)",
		rem.UserID, rem.Title, rem.Message, rem.RemindAt, model.ReminderPending)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rem.ID = uint64(id)
	rem.Status = model.ReminderPending
	rem.CreatedAt, rem.UpdatedAt = now, now
	return nil
}

// ListByUser returns a user's reminders ordered by due time.
func (r *ReminderRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+reminderColumns+" FROM reminders WHERE user_id=? ORDER BY remind_at, id", userID)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

// ListDue returns up to limit pending reminders due at or before now,
// oldest first.
func (r *ReminderRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+reminderColumns+" FROM reminders WHERE status=? AND remind_at<=? ORDER BY remind_at, id LIMIT ?",
		model.ReminderPending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

// Cancel marks a pending reminder as cancelled.  It returns ErrNotFound for
// unknown ids, ErrForbidden when the reminder belongs to another user and
// ErrConflict when it is no longer pending.
func (r *ReminderRepo) Cancel(ctx context.Context, id, userID uint64) error {
	var (
		owner  uint64
		status string
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT user_id,status FROM reminders WHERE id=? LIMIT 1", id).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	if status != model.ReminderPending {
		return ErrConflict
	}

	res, err := r.DB.ExecContext(ctx,
		"UPDATE reminders SET status=? WHERE id=? AND status=?",
		model.ReminderCancelled, id, model.ReminderPending)
	if err != nil {
		return err
	}
	// lost a race with the sweeper
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkSent flips a pending reminder to SENT.  It reports false when the
// reminder was cancelled or sent in the meantime.
func (r *ReminderRepo) MarkSent(ctx context.Context, id uint64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE reminders SET status=?, sent_at=? WHERE id=? AND status=?",
		model.ReminderSent, at.UTC(), id, model.ReminderPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanReminders(rows *sql.Rows) ([]model.Reminder, error) {
	defer rows.Close()
	out := []model.Reminder{}
	for rows.Next() {
		var rem model.Reminder
		if err := rows.Scan(&rem.ID, &rem.UserID, &rem.Title, &rem.Message, &rem.RemindAt,
			&rem.Status, &rem.SentAt, &rem.CreatedAt, &rem.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}
