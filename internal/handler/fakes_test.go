package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/patient-care-reminder/internal/docstore"
	"github.com/iliyamo/patient-care-reminder/internal/middleware"
	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/queue"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
	"github.com/iliyamo/patient-care-reminder/internal/utils"
)

type fakeUsers struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]model.User
	err    error
}

func newFakeUsers() *fakeUsers { return &fakeUsers{nextID: 1, byID: map[uint64]model.User{}} }

func (f *fakeUsers) add(email, password string) model.User {
	hash, _ := utils.HashPassword(password, bcrypt.MinCost)
	f.mu.Lock()
	defer f.mu.Unlock()
	u := model.User{
		ID: f.nextID, Email: email, PasswordHash: hash, FullName: "Test User",
		Role: model.RolePatient, IsActive: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	f.byID[u.ID] = u
	f.nextID++
	return u
}

func (f *fakeUsers) Create(_ context.Context, in repository.NewUser, cost int) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	for _, u := range f.byID {
		if u.Email == repository.NormalizeEmail(in.Email) {
			f.mu.Unlock()
			return 0, repository.ErrEmailExists
		}
	}
	f.mu.Unlock()
	u := f.add(repository.NormalizeEmail(in.Email), in.Password)
	f.mu.Lock()
	defer f.mu.Unlock()
	u.FullName, u.Phone, u.BirthDate = in.FullName, in.Phone, in.BirthDate
	if in.Role != "" {
		u.Role = in.Role
	}
	f.byID[u.ID] = u
	return u.ID, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == repository.NormalizeEmail(email) {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) Update(_ context.Context, id uint64, upd repository.UserUpdate) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	if upd.Email != nil {
		for _, other := range f.byID {
			if other.ID != id && other.Email == *upd.Email {
				return model.User{}, repository.ErrEmailExists
			}
		}
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Phone != nil {
		u.Phone = upd.Phone
	}
	if upd.BirthDate != nil {
		u.BirthDate = upd.BirthDate
	}
	f.byID[id] = u
	return u, nil
}

func (f *fakeUsers) SetAvatar(_ context.Context, id uint64, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.AvatarFileID = &fileID
	f.byID[id] = u
	return nil
}

func (f *fakeUsers) SetPassword(_ context.Context, id uint64, password string, _ int) error {
	hash, err := utils.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = hash
	f.byID[id] = u
	return nil
}

type storedToken struct {
	userID  uint64
	exp     time.Time
	revoked bool
}

type fakeTokens struct {
	mu     sync.Mutex
	byHash map[string]*storedToken
}

func newFakeTokens() *fakeTokens { return &fakeTokens{byHash: map[string]*storedToken{}} }

func (f *fakeTokens) StoreRefresh(_ context.Context, userID uint64, hash string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[hash] = &storedToken{userID: userID, exp: exp}
	return nil
}

func (f *fakeTokens) ValidateRefresh(_ context.Context, hash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[hash]
	if !ok || t.revoked || time.Now().After(t.exp) {
		return 0, repository.ErrNotFound
	}
	return t.userID, nil
}

func (f *fakeTokens) RevokeByHash(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byHash[hash]; ok {
		t.revoked = true
	}
	return nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byHash {
		if t.userID == userID {
			t.revoked = true
		}
	}
	return nil
}

func (f *fakeTokens) active(userID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.byHash {
		if t.userID == userID && !t.revoked {
			n++
		}
	}
	return n
}

type fakeReminders struct {
	mu    sync.Mutex
	items map[uint64]*model.Reminder
	next  uint64
}

func newFakeReminders() *fakeReminders {
	return &fakeReminders{items: map[uint64]*model.Reminder{}, next: 1}
}

func (f *fakeReminders) Create(_ context.Context, r *model.Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID, r.Status, r.CreatedAt = f.next, model.ReminderPending, time.Now().UTC()
	f.next++
	cp := *r
	f.items[r.ID] = &cp
	return nil
}

func (f *fakeReminders) ListByUser(_ context.Context, uid uint64) ([]model.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Reminder{}
	for id := uint64(1); id < f.next; id++ {
		if r, ok := f.items[id]; ok && r.UserID == uid {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeReminders) Cancel(_ context.Context, id, uid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.items[id]
	switch {
	case !ok:
		return repository.ErrNotFound
	case r.UserID != uid:
		return repository.ErrForbidden
	case r.Status != model.ReminderPending:
		return repository.ErrConflict
	}
	r.Status = model.ReminderCancelled
	return nil
}

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]model.Subscription
	err  error
}

func newFakeSubs() *fakeSubs { return &fakeSubs{subs: map[string]model.Subscription{}} }

func (f *fakeSubs) Save(_ context.Context, s model.Subscription) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.CreatedAt = time.Now().UTC()
	f.subs[s.Endpoint] = s
	return s, nil
}

func (f *fakeSubs) ListByUser(_ context.Context, uid uint64) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range f.subs {
		if s.UserID == uid {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubs) Delete(_ context.Context, uid uint64, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[endpoint]
	if !ok || s.UserID != uid {
		return docstore.ErrSubscriptionNotFound
	}
	delete(f.subs, endpoint)
	return nil
}

type fakeFiles struct {
	mu    sync.Mutex
	next  int
	files map[string][]byte
	meta  map[string]model.StoredFile
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: map[string][]byte{}, meta: map[string]model.StoredFile{}}
}

func (f *fakeFiles) Upload(_ context.Context, name, contentType string, r io.Reader) (model.StoredFile, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return model.StoredFile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("%024d", f.next)
	sf := model.StoredFile{ID: id, Filename: name, ContentType: contentType, Size: int64(len(b)), UploadedAt: time.Now().UTC()}
	f.files[id], f.meta[id] = b, sf
	return sf, nil
}

func (f *fakeFiles) Open(_ context.Context, id string) (io.ReadCloser, model.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[id]
	if !ok {
		return nil, model.StoredFile{}, docstore.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), f.meta[id], nil
}

func (f *fakeFiles) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[id]; !ok {
		return docstore.ErrFileNotFound
	}
	delete(f.files, id)
	delete(f.meta, id)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.PatientRegisteredEvent
	err    error
}

func (f *fakePublisher) PublishPatientRegistered(_ context.Context, ev queue.PatientRegisteredEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

type fakeInvalidator struct {
	mu    sync.Mutex
	users []uint64
}

func (f *fakeInvalidator) InvalidateUser(_ context.Context, uid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, uid)
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error        { return f.err }
func (f fakePinger) PingContext(context.Context) error { return f.err }
func (f fakePinger) DatabaseName() string              { return "patient_care" }

var errStorage = errors.New("storage down")

// newTestEcho returns an Echo instance with the request validator installed.
func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = NewValidator()
	return e
}

// asUser stands in for JWTAuth, taking the user id from X-Test-User.
func asUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if v := c.Request().Header.Get("X-Test-User"); v != "" {
			uid, _ := strconv.ParseUint(v, 10, 64)
			c.Set(middleware.ContextUserID, uid)
			c.Set(middleware.ContextRole, model.RolePatient)
		}
		return next(c)
	}
}

func call(e *echo.Echo, method, path, body string, uid uint64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if uid != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uid, 10))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func callWithAuth(e *echo.Echo, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}
