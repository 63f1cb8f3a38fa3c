package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/docstore"
)

// FileHandler streams uploads back out of GridFS.
type FileHandler struct {
	Files  FileStore
	Logger *zap.Logger
}

func NewFileHandler(files FileStore, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{Files: files, Logger: logger}
}

// Get streams the file with its stored content type.
func (h *FileHandler) Get(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 4*opTimeout)
	defer cancel()

	rc, meta, err := h.Files.Open(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrFileNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
		}
		h.Logger.Error("open file failed", zap.String("file_id", c.Param("id")), zap.Error(err))
		return serverError(c, "open file failed")
	}
	defer rc.Close()

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	hdr.Set("Cache-Control", "private, max-age=3600")
	hdr.Set("X-Content-Type-Options", "nosniff")
	contentType := meta.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, rc)
}
