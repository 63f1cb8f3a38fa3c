package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
)

// ReminderHandler manages the caller's care reminders.
type ReminderHandler struct {
	Reminders ReminderStore
	Cache     CacheInvalidator // optional
	Logger    *zap.Logger
	now       func() time.Time
}

func NewReminderHandler(reminders ReminderStore, cache CacheInvalidator, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{Reminders: reminders, Cache: cache, Logger: logger, now: time.Now}
}

type createReminderReq struct {
	Title    string    `json:"title" validate:"required,max=120"`
	Message  string    `json:"message" validate:"max=1000"`
	RemindAt time.Time `json:"remind_at" validate:"required"`
}

type reminderResp struct {
	ID        uint64     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	RemindAt  time.Time  `json:"remind_at"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func newReminderResp(r model.Reminder) reminderResp {
	return reminderResp{
		ID:        r.ID,
		Title:     r.Title,
		Message:   r.Message,
		RemindAt:  r.RemindAt.UTC(),
		Status:    r.Status,
		SentAt:    r.SentAt,
		CreatedAt: r.CreatedAt,
	}
}

// Create schedules a reminder.  remind_at must be RFC 3339 and in the future.
func (h *ReminderHandler) Create(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req createReminderReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err)
	}
	// stored with second precision
	remindAt := req.RemindAt.UTC().Truncate(time.Second)
	if !remindAt.After(h.now()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "remind_at must be in the future"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	rem := &model.Reminder{UserID: uid, Title: req.Title, Message: req.Message, RemindAt: remindAt}
	if err := h.Reminders.Create(ctx, rem); err != nil {
		h.Logger.Error("create reminder failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "create reminder failed")
	}
	h.invalidate(ctx, uid)
	return c.JSON(http.StatusCreated, newReminderResp(*rem))
}

// List returns the caller's reminders, soonest first.
func (h *ReminderHandler) List(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	items, err := h.Reminders.ListByUser(ctx, uid)
	if err != nil {
		h.Logger.Error("list reminders failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "list reminders failed")
	}
	status := strings.ToUpper(strings.TrimSpace(c.QueryParam("status")))
	out := make([]reminderResp, 0, len(items))
	for _, r := range items {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, newReminderResp(r))
	}
	return c.JSON(http.StatusOK, echo.Map{"reminders": out})
}

// Cancel cancels one of the caller's pending reminders.
func (h *ReminderHandler) Cancel(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reminder id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	err = h.Reminders.Cancel(ctx, id, uid)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reminder not found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "reminder is no longer pending"})
	case err != nil:
		return serverError(c, "cancel reminder failed")
	}
	h.invalidate(ctx, uid)
	return c.NoContent(http.StatusNoContent)
}

func (h *ReminderHandler) invalidate(ctx context.Context, uid uint64) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.InvalidateUser(ctx, uid); err != nil {
		h.Logger.Warn("invalidate cached responses failed", zap.Uint64("user_id", uid), zap.Error(err))
	}
}
