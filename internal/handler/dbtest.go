package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// DocPinger is implemented by docstore.Cache.
type DocPinger interface {
	Ping(ctx context.Context) error
	DatabaseName() string
}

// SQLPinger is implemented by *sql.DB.
type SQLPinger interface {
	PingContext(ctx context.Context) error
}

// DBCheckHandler serves /api/test-db, a readiness probe for both stores.
type DBCheckHandler struct {
	Mongo  DocPinger
	MySQL  SQLPinger
	Logger *zap.Logger
}

func NewDBCheckHandler(mongo DocPinger, mysql SQLPinger, logger *zap.Logger) *DBCheckHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBCheckHandler{Mongo: mongo, MySQL: mysql, Logger: logger}
}

type checkResult struct {
	Status    string `json:"status"`
	Database  string `json:"database,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func runCheck(ctx context.Context, ping func(context.Context) error) checkResult {
	start := time.Now()
	err := ping(ctx)
	res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

// TestDB acquires the shared MongoDB handle and pings both stores.  It
// answers 200 when both respond and 503 otherwise.
func (h *DBCheckHandler) TestDB(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), opTimeout)
	defer cancel()

	mongo := runCheck(ctx, h.Mongo.Ping)
	mongo.Database = h.Mongo.DatabaseName()
	mysql := runCheck(ctx, h.MySQL.PingContext)

	status, code := "ok", http.StatusOK
	if mongo.Status != "ok" || mysql.Status != "ok" {
		status, code = "degraded", http.StatusServiceUnavailable
		h.Logger.Warn("database check failed",
			zap.String("mongo", mongo.Error), zap.String("mysql", mysql.Error))
	}
	return c.JSON(code, echo.Map{"status": status, "mongo": mongo, "mysql": mysql})
}
