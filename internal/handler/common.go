package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/patient-care-reminder/internal/middleware"
	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/queue"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
)

// opTimeout bounds the storage calls made while serving one request.
const opTimeout = 5 * time.Second

const dateLayout = "2006-01-02"

// UserStore is implemented by repository.UserRepo.
type UserStore interface {
	Create(ctx context.Context, in repository.NewUser, cost int) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	Update(ctx context.Context, id uint64, upd repository.UserUpdate) (model.User, error)
	SetAvatar(ctx context.Context, id uint64, fileID string) error
	SetPassword(ctx context.Context, id uint64, password string, cost int) error
}

// TokenStore is implemented by repository.TokenRepo.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (uint64, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// ReminderStore is implemented by repository.ReminderRepo.
type ReminderStore interface {
	Create(ctx context.Context, rem *model.Reminder) error
	ListByUser(ctx context.Context, userID uint64) ([]model.Reminder, error)
	Cancel(ctx context.Context, id, userID uint64) error
}

// SubscriptionStore is implemented by docstore.SubscriptionStore.
type SubscriptionStore interface {
	Save(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	ListByUser(ctx context.Context, userID uint64) ([]model.Subscription, error)
	Delete(ctx context.Context, userID uint64, endpoint string) error
}

// FileStore is implemented by docstore.FileStore.
type FileStore interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (model.StoredFile, error)
	Open(ctx context.Context, id string) (io.ReadCloser, model.StoredFile, error)
	Delete(ctx context.Context, id string) error
}

// RegistrationPublisher is implemented by service.Publisher.
type RegistrationPublisher interface {
	PublishPatientRegistered(ctx context.Context, ev queue.PatientRegisteredEvent) error
}

// CacheInvalidator drops a user's cached responses after a write.  It is
// implemented by middleware.ResponseCache.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, uid uint64) error
}

// RequestValidator adapts validator/v10 to echo.Validator.  Field names in
// errors are taken from json tags.
type RequestValidator struct {
	v *validator.Validate
}

func NewValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{v: v}
}

func (rv *RequestValidator) Validate(i any) error { return rv.v.Struct(i) }

// bindAndValidate decodes the request into req and runs validation.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

// badRequest answers 400.  Validation failures list the offending fields
// and the rule each one broke.
func badRequest(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation failed", "fields": fields})
	}
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
}

// getUserID returns the id JWTAuth stored in the context.
func getUserID(c echo.Context) (uint64, error) {
	uid, ok := middleware.UserID(c)
	if !ok {
		return 0, errors.New("invalid user_id in context")
	}
	return uid, nil
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func serverError(c echo.Context, msg string) error {
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": msg})
}

// userResponse is the public view of a user; the password hash never
// leaves the server.
type userResponse struct {
	ID               uint64    `json:"id"`
	Email            string    `json:"email"`
	FullName         string    `json:"full_name"`
	Phone            *string   `json:"phone"`
	BirthDate        *string   `json:"birth_date"`
	Gender           *string   `json:"gender"`
	Address          *string   `json:"address"`
	EmergencyContact *string   `json:"emergency_contact"`
	AvatarURL        *string   `json:"avatar_url"`
	Role             string    `json:"role"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newUserResponse(u model.User) userResponse {
	out := userResponse{
		ID:               u.ID,
		Email:            u.Email,
		FullName:         u.FullName,
		Phone:            u.Phone,
		Gender:           u.Gender,
		Address:          u.Address,
		EmergencyContact: u.EmergencyContact,
		Role:             u.Role,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
	if u.BirthDate != nil {
		s := u.BirthDate.Format(dateLayout)
		out.BirthDate = &s
	}
	if u.AvatarFileID != nil && *u.AvatarFileID != "" {
		s := fileURL(*u.AvatarFileID)
		out.AvatarURL = &s
	}
	return out
}

func fileURL(id string) string { return "/api/files/" + id }

// parseDate parses an optional YYYY-MM-DD value.
func parseDate(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(*s), time.UTC)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
