// Package queue defines the broker payloads and the background consumers
// that turn them into notification log entries.
package queue

import "time"

// Durable queue names.
const (
	QueuePatientRegistered = "patient.registered"
	QueueCareReminders     = "care.reminders"
)

// PatientRegisteredEvent is published once a new account has been created.
type PatientRegisteredEvent struct {
	UserID       uint64    `json:"user_id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ReminderDueEvent is published by the sweeper for every reminder whose
// time has come.  Consumers fan it out to the user's push subscriptions.
type ReminderDueEvent struct {
	ReminderID uint64    `json:"reminder_id"`
	UserID     uint64    `json:"user_id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	RemindAt   time.Time `json:"remind_at"`
}
