package model

import "time"

// Reminder statuses.
const (
	ReminderPending   = "PENDING"
	ReminderSent      = "SENT"
	ReminderCancelled = "CANCELLED"
)

// Reminder is a care reminder (medication, appointment, check-up) that the
// sweeper turns into a push notification once RemindAt has passed.
type Reminder struct {
	ID        uint64     // reminders.id
	UserID    uint64     // reminders.user_id
	Title     string     // reminders.title
	Message   string     // reminders.message
	RemindAt  time.Time  // reminders.remind_at (UTC)
	Status    string     // reminders.status
	SentAt    *time.Time // reminders.sent_at (nullable)
	CreatedAt time.Time  // reminders.created_at
	UpdatedAt time.Time  // reminders.updated_at
}
