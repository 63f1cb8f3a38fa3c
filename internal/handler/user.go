package handler

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/docstore"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
	"github.com/iliyamo/patient-care-reminder/internal/utils"
)

// multipartOverhead is allowed on top of the file size for form boundaries
// and headers.
const multipartOverhead = 64 << 10

// UserHandler serves the caller's own profile.
type UserHandler struct {
	Users      UserStore
	Tokens     TokenStore
	Files      FileStore
	Cache      CacheInvalidator // optional
	BcryptCost int
	MaxUpload  int64
	Logger     *zap.Logger
}

func NewUserHandler(users UserStore, tokens TokenStore, files FileStore, cache CacheInvalidator,
	bcryptCost int, maxUpload int64, logger *zap.Logger) *UserHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserHandler{
		Users: users, Tokens: tokens, Files: files, Cache: cache,
		BcryptCost: bcryptCost, MaxUpload: maxUpload, Logger: logger,
	}
}

type updateProfileReq struct {
	Email            *string `json:"email" validate:"omitempty,email,max=255"`
	FullName         *string `json:"full_name" validate:"omitempty,min=1,max=150"`
	Phone            *string `json:"phone" validate:"omitempty,max=32"`
	BirthDate        *string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Gender           *string `json:"gender" validate:"omitempty,max=32"`
	Address          *string `json:"address" validate:"omitempty,max=255"`
	EmergencyContact *string `json:"emergency_contact" validate:"omitempty,max=255"`
}

type changePasswordReq struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

// Me returns the caller's profile.
func (h *UserHandler) Me(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return serverError(c, "load user failed")
	}
	return c.JSON(http.StatusOK, newUserResponse(u))
}

// UpdateMe applies a partial profile update.  Absent fields are kept;
// empty optional strings clear the stored value.
func (h *UserHandler) UpdateMe(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req updateProfileReq
	if err := bindAndValidate(c, &req); err != nil {
		return badRequest(c, err)
	}
	if req.FullName != nil && strings.TrimSpace(*req.FullName) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "full_name cannot be blank"})
	}
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	u, err := h.Users.Update(ctx, uid, repository.UserUpdate{
		Email:            req.Email,
		FullName:         req.FullName,
		Phone:            req.Phone,
		BirthDate:        birth,
		Gender:           req.Gender,
		Address:          req.Address,
		EmergencyContact: req.EmergencyContact,
	})
	switch {
	case errors.Is(err, repository.ErrEmailExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	case err != nil:
		h.Logger.Error("update profile failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "update failed")
	}
	h.invalidate(ctx, uid)
	return c.JSON(http.StatusOK, newUserResponse(u))
}

// ChangePassword replaces the password after checking the current one and
// revokes every refresh token of the user.
func (h *UserHandler) ChangePassword(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req changePasswordReq
	if err := bindAndValidate(c, &req); err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return serverError(c, "load user failed")
	}
	if !utils.VerifyPassword(u.PasswordHash, req.CurrentPassword) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if err := h.Users.SetPassword(ctx, uid, req.NewPassword, h.BcryptCost); err != nil {
		return serverError(c, "update password failed")
	}
	if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
		h.Logger.Warn("revoke sessions after password change failed", zap.Uint64("user_id", uid), zap.Error(err))
	}
	return c.NoContent(http.StatusNoContent)
}

// UploadAvatar stores the multipart "file" field in GridFS and links it to
// the caller.  Only images up to MaxUpload bytes are accepted; the type is
// sniffed from the content, not taken from the client.
func (h *UserHandler) UploadAvatar(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	req := c.Request()
	if req.ContentLength > h.MaxUpload+multipartOverhead {
		return tooLarge(c, h.MaxUpload)
	}
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.MaxUpload+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return tooLarge(c, h.MaxUpload)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "multipart field 'file' required"})
	}
	if fh.Size > h.MaxUpload {
		return tooLarge(c, h.MaxUpload)
	}
	src, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable upload"})
	}
	defer src.Close()

	br := bufio.NewReaderSize(src, 512)
	head, _ := br.Peek(512)
	contentType := http.DetectContentType(head)
	if !strings.HasPrefix(contentType, "image/") {
		return c.JSON(http.StatusUnsupportedMediaType, echo.Map{"error": "only image uploads are accepted"})
	}

	ctx, cancel := context.WithTimeout(req.Context(), 4*opTimeout)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return serverError(c, "load user failed")
	}

	stored, err := h.Files.Upload(ctx, filepath.Base(fh.Filename), contentType, br)
	if err != nil {
		h.Logger.Error("store avatar failed", zap.Uint64("user_id", uid), zap.Error(err))
		return serverError(c, "store file failed")
	}
	if err := h.Users.SetAvatar(ctx, uid, stored.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return serverError(c, "update avatar failed")
	}
	if u.AvatarFileID != nil && *u.AvatarFileID != "" && *u.AvatarFileID != stored.ID {
		h.dropFile(ctx, uid, *u.AvatarFileID)
	}
	h.invalidate(ctx, uid)
	return c.JSON(http.StatusCreated, echo.Map{"file": stored, "url": fileURL(stored.ID)})
}

// dropFile deletes a replaced upload.  The profile already points at the
// new file, so a failure only leaves an orphan behind.
func (h *UserHandler) dropFile(ctx context.Context, uid uint64, id string) {
	if err := h.Files.Delete(ctx, id); err != nil && !errors.Is(err, docstore.ErrFileNotFound) {
		h.Logger.Warn("delete replaced avatar failed",
			zap.Uint64("user_id", uid), zap.String("file_id", id), zap.Error(err))
	}
}

func (h *UserHandler) invalidate(ctx context.Context, uid uint64) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.InvalidateUser(ctx, uid); err != nil {
		h.Logger.Warn("invalidate cached responses failed", zap.Uint64("user_id", uid), zap.Error(err))
	}
}

func tooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "file too large", "max_bytes": limit})
}
