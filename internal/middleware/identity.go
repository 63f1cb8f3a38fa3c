package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Context keys populated by JWTAuth and RequestLogger.
const (
	ContextUserID    = "user_id"
	ContextRole      = "role"
	ContextRequestID = "request_id"
)

// UserID returns the authenticated user's id stored by JWTAuth.
func UserID(c echo.Context) (uint64, bool) {
	uid, ok := c.Get(ContextUserID).(uint64)
	return uid, ok && uid != 0
}

// Role returns the role claim stored by JWTAuth, or "".
func Role(c echo.Context) string {
	role, _ := c.Get(ContextRole).(string)
	return role
}

// subject renders the caller for use in Redis keys: the decimal user id,
// or "anon" when no token was presented.
func subject(c echo.Context) string {
	if uid, ok := UserID(c); ok {
		return strconv.FormatUint(uid, 10)
	}
	return "anon"
}
