package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/patient-care-reminder/internal/config"
	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/utils"
)

const testSecret = "test-secret"

type authFixture struct {
	e      *echo.Echo
	users  *fakeUsers
	tokens *fakeTokens
	events *fakePublisher
}

func newAuthFixture() authFixture {
	f := authFixture{
		e:      newTestEcho(),
		users:  newFakeUsers(),
		tokens: newFakeTokens(),
		events: &fakePublisher{},
	}
	cfg := config.Config{JWTSecret: testSecret, AccessTTLMin: 15, RefreshTTLDays: 7, BcryptCost: bcrypt.MinCost}
	h := NewAuthHandler(cfg, f.users, f.tokens, f.events, nil)
	f.e.POST("/register", h.Register)
	f.e.POST("/login", h.Login)
	f.e.POST("/refresh", h.Refresh)
	f.e.POST("/logout", h.Logout)
	return f
}

func decodeAuth(t *testing.T, body []byte) authResp {
	t.Helper()
	var out authResp
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()

	rec := call(f.e, http.MethodPost, "/register",
		`{"email":" Ann@Example.com ","password":"s3cret-pw","full_name":"Ann Patient","birth_date":"1960-02-29","phone":"+100"}`, 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeAuth(t, rec.Body.Bytes())
	assert.Equal(t, "ann@example.com", resp.User.Email)
	assert.Equal(t, model.RolePatient, resp.User.Role)
	require.NotNil(t, resp.User.BirthDate)
	assert.Equal(t, "1960-02-29", *resp.User.BirthDate)
	assert.NotEmpty(t, resp.Refresh.Token)

	uid, role, err := utils.ParseAccessToken(testSecret, resp.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, uid)
	assert.Equal(t, model.RolePatient, role)
	assert.Equal(t, 1, f.tokens.active(uid))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, uid, f.events.events[0].UserID)
	assert.Equal(t, "Ann Patient", f.events.events[0].FullName)

	// same email again
	rec = call(f.e, http.MethodPost, "/register",
		`{"email":"ann@example.com","password":"s3cret-pw","full_name":"Ann Again"}`, 0)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()

	tests := map[string]struct {
		body  string
		field string
	}{
		"bad email":      {body: `{"email":"nope","password":"s3cret-pw","full_name":"A"}`, field: "email"},
		"short password": {body: `{"email":"a@b.co","password":"short","full_name":"A"}`, field: "password"},
		"no name":        {body: `{"email":"a@b.co","password":"s3cret-pw","full_name":"  "}`, field: "full_name"},
		"bad role":       {body: `{"email":"a@b.co","password":"s3cret-pw","full_name":"A","role":"admin"}`, field: "role"},
		"bad birth date": {body: `{"email":"a@b.co","password":"s3cret-pw","full_name":"A","birth_date":"29/02/1960"}`, field: "birth_date"},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := call(f.e, http.MethodPost, "/register", tt.body, 0)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body struct {
				Fields map[string]string `json:"fields"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Fields, tt.field)
		})
	}

	rec := call(f.e, http.MethodPost, "/register", `{"email":`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.events.events)
}

func TestRegister_CaregiverRoleAndBrokerDown(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	f.events.err = errStorage

	rec := call(f.e, http.MethodPost, "/register",
		`{"email":"carer@example.com","password":"s3cret-pw","full_name":"Carer","role":"caregiver"}`, 0)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, model.RoleCaregiver, decodeAuth(t, rec.Body.Bytes()).User.Role)
}

func TestLogin(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	u := f.users.add("ann@example.com", "s3cret-pw")
	disabled := f.users.add("off@example.com", "s3cret-pw")
	disabled.IsActive = false
	f.users.byID[disabled.ID] = disabled

	rec := call(f.e, http.MethodPost, "/login", `{"email":"ANN@example.com","password":"s3cret-pw"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, u.ID, decodeAuth(t, rec.Body.Bytes()).User.ID)
	assert.NotContains(t, rec.Body.String(), "password")

	for name, body := range map[string]string{
		"wrong password": `{"email":"ann@example.com","password":"wrong-pw"}`,
		"unknown email":  `{"email":"who@example.com","password":"s3cret-pw"}`,
		"disabled":       `{"email":"off@example.com","password":"s3cret-pw"}`,
	} {
		rec := call(f.e, http.MethodPost, "/login", body, 0)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestRefresh_Rotates(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	f.users.add("ann@example.com", "s3cret-pw")

	rec := call(f.e, http.MethodPost, "/login", `{"email":"ann@example.com","password":"s3cret-pw"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeAuth(t, rec.Body.Bytes())

	rec = call(f.e, http.MethodPost, "/refresh", `{"refresh_token":"`+first.Refresh.Token+`"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeAuth(t, rec.Body.Bytes())
	assert.NotEqual(t, first.Refresh.Token, second.Refresh.Token)

	// the rotated token is dead
	rec = call(f.e, http.MethodPost, "/refresh", `{"refresh_token":"`+first.Refresh.Token+`"}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(f.e, http.MethodPost, "/refresh", `{}`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	f := newAuthFixture()
	u := f.users.add("ann@example.com", "s3cret-pw")

	login := func() authResp {
		rec := call(f.e, http.MethodPost, "/login", `{"email":"ann@example.com","password":"s3cret-pw"}`, 0)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeAuth(t, rec.Body.Bytes())
	}
	a, b := login(), login()
	require.Equal(t, 2, f.tokens.active(u.ID))

	rec := call(f.e, http.MethodPost, "/logout", `{"refresh_token":"`+a.Refresh.Token+`"}`, 0)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.tokens.active(u.ID))

	rec = call(f.e, http.MethodPost, "/logout", `{"refresh_token":"`+a.Refresh.Token+`"}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// bearer only: every session goes
	login()
	req := `{}`
	recAll := callWithAuth(f.e, "/logout", req, b.Access.Token)
	assert.Equal(t, http.StatusNoContent, recAll.Code)
	assert.Zero(t, f.tokens.active(u.ID))

	assert.Equal(t, http.StatusUnauthorized, callWithAuth(f.e, "/logout", req, "garbage").Code)
	assert.Equal(t, http.StatusBadRequest, call(f.e, http.MethodPost, "/logout", req, 0).Code)
}
