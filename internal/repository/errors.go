// Package repository defines the MySQL data access layer.  The sentinel
// errors below let handlers map failures to HTTP statuses without looking at
// driver errors.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist (or, for
// refresh tokens, is revoked or expired).
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation on a
// resource owned by another user.  Handlers translate it into 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when the row is in a state that does not allow
// the operation, such as cancelling a reminder that was already sent.
var ErrConflict = errors.New("conflict")

// ErrEmailExists is returned when an insert or update violates the unique
// email index.
var ErrEmailExists = errors.New("email already exists")
