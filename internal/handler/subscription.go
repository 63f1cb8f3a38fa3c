package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/docstore"
	"github.com/iliyamo/patient-care-reminder/internal/model"
)

// SubscriptionHandler manages the caller's Web Push subscriptions.
type SubscriptionHandler struct {
	Subs   SubscriptionStore
	Logger *zap.Logger
}

func NewSubscriptionHandler(subs SubscriptionStore, logger *zap.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionHandler{Subs: subs, Logger: logger}
}

// subscribeReq mirrors the browser's PushSubscription JSON.
type subscribeReq struct {
	Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

type unsubscribeReq struct {
	Endpoint string `json:"endpoint" query:"endpoint" validate:"required"`
}

// Subscribe saves (or re-assigns) a subscription for the caller.
func (h *SubscriptionHandler) Subscribe(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req subscribeReq
	if err := bindAndValidate(c, &req); err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	saved, err := h.Subs.Save(ctx, model.Subscription{
		Endpoint:  strings.TrimSpace(req.Endpoint),
		Keys:      model.SubscriptionKeys{P256dh: req.Keys.P256dh, Auth: req.Keys.Auth},
		UserID:    uid,
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		h.Logger.Error("save subscription failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "save subscription failed")
	}
	return c.JSON(http.StatusCreated, saved)
}

// List returns the caller's subscriptions.
func (h *SubscriptionHandler) List(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	subs, err := h.Subs.ListByUser(ctx, uid)
	if err != nil {
		h.Logger.Error("list subscriptions failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "list subscriptions failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"subscriptions": subs})
}

// Unsubscribe removes one of the caller's subscriptions by endpoint.
func (h *SubscriptionHandler) Unsubscribe(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req unsubscribeReq
	if err := bindAndValidate(c, &req); err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	err = h.Subs.Delete(ctx, uid, strings.TrimSpace(req.Endpoint))
	switch {
	case errors.Is(err, docstore.ErrSubscriptionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "subscription not found"})
	case err != nil:
		return serverError(c, "delete subscription failed")
	}
	return c.NoContent(http.StatusNoContent)
}
