package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/config"
	"github.com/iliyamo/patient-care-reminder/internal/middleware"
	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/queue"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
	"github.com/iliyamo/patient-care-reminder/internal/utils"
)

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg    config.Config
	Users  UserStore
	Tokens TokenStore
	Events RegistrationPublisher // optional
	Logger *zap.Logger
}

func NewAuthHandler(cfg config.Config, u UserStore, t TokenStore, events RegistrationPublisher, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{Cfg: cfg, Users: u, Tokens: t, Events: events, Logger: logger}
}

// ----- DTOs -----

type registerReq struct {
	Email            string  `json:"email" validate:"required,email,max=255"`
	Password         string  `json:"password" validate:"required,min=8,max=72"`
	FullName         string  `json:"full_name" validate:"required,max=150"`
	Phone            *string `json:"phone" validate:"omitempty,max=32"`
	BirthDate        *string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Gender           *string `json:"gender" validate:"omitempty,max=32"`
	Address          *string `json:"address" validate:"omitempty,max=255"`
	EmergencyContact *string `json:"emergency_contact" validate:"omitempty,max=255"`
	Role             string  `json:"role" validate:"omitempty,oneof=PATIENT CAREGIVER"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type authResp struct {
	User    userResponse `json:"user"`
	Access  tokenPart    `json:"access"`
	Refresh tokenPart    `json:"refresh"`
}

// Register creates the account, announces it on the broker and returns a
// token pair.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	req.Email = repository.NormalizeEmail(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err)
	}
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	uid, err := h.Users.Create(ctx, repository.NewUser{
		Email:            req.Email,
		Password:         req.Password,
		FullName:         req.FullName,
		Role:             req.Role,
		Phone:            req.Phone,
		BirthDate:        birth,
		Gender:           req.Gender,
		Address:          req.Address,
		EmergencyContact: req.EmergencyContact,
	}, h.Cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		h.Logger.Error("create user failed", zap.Error(err))
		return serverError(c, "create user failed")
	}

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		h.Logger.Error("load new user failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "load user failed")
	}

	if h.Events != nil {
		ev := queue.PatientRegisteredEvent{
			UserID:       u.ID,
			Email:        u.Email,
			FullName:     u.FullName,
			Role:         u.Role,
			RegisteredAt: time.Now().UTC(),
		}
		// the account exists either way; a broker outage only loses the event
		if err := h.Events.PublishPatientRegistered(ctx, ev); err != nil {
			h.Logger.Warn("publish patient.registered failed", zap.Uint64("user_id", u.ID), zap.Error(err))
		}
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return serverError(c, err.Error())
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	req.Email = repository.NormalizeEmail(req.Email)
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		h.Logger.Error("load user failed", zap.Error(err))
		return serverError(c, "query failed")
	}
	if !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if !u.IsActive {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "account disabled"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return serverError(c, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}
	hash := utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	userID, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		return serverError(c, "validate refresh failed")
	}
	if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
		return serverError(c, "revoke refresh failed")
	}

	u, err := h.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		return serverError(c, "load user failed")
	}
	if !u.IsActive {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "account disabled"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return serverError(c, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the refresh token in the body.  Without one, a valid
// bearer access token revokes every session of its user.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	refreshToken := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	if refreshToken != "" {
		hash := utils.HashRefreshRaw(refreshToken)
		if _, err := h.Tokens.ValidateRefresh(ctx, hash); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			return serverError(c, "logout failed")
		}
		return c.NoContent(http.StatusNoContent)
	}

	if raw := middleware.BearerToken(c); raw != "" {
		uid, _, err := utils.ParseAccessToken(h.Cfg.JWTSecret, raw)
		if err != nil {
			return unauthorized(c)
		}
		if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
			return serverError(c, "logout failed")
		}
		return c.NoContent(http.StatusNoContent)
	}

	return c.JSON(http.StatusBadRequest, echo.Map{"error": "provide Authorization header or refresh_token"})
}

// issue creates and stores a new access/refresh pair for u.
func (h *AuthHandler) issue(ctx context.Context, u model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.ID, u.Role, h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, errors.New("issue access failed")
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, errors.New("issue refresh failed")
	}
	if err := h.Tokens.StoreRefresh(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		h.Logger.Error("store refresh token failed", zap.Uint64("user_id", u.ID), zap.Error(err))
		return authResp{}, errors.New("save refresh failed")
	}
	return authResp{
		User:    newUserResponse(u),
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}
