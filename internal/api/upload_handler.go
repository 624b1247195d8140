package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/service"
)

// AttachmentRegistrar validates and stores an uploaded file.
type AttachmentRegistrar interface {
	Register(ctx context.Context, uploaderID int64, name string, size int64, body io.Reader) (*models.Attachment, error)
}

// UploadHandler handles file uploads.
type UploadHandler struct {
	attachments AttachmentRegistrar
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(attachments AttachmentRegistrar) *UploadHandler {
	return &UploadHandler{attachments: attachments}
}

// MaxUploadBody bounds a multipart upload request; the per-category
// limits are enforced after sniffing.
const MaxUploadBody = service.MaxDocumentSize + 1<<20

// Upload handles POST /api/v1/upload-file.
func (h *UploadHandler) Upload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, MaxUploadBody)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return mapServiceError(c, service.PayloadTooLarge(fmt.Sprintf(
				"upload exceeds the %d MiB limit for documents", service.MaxDocumentSize>>20)))
		}
		return Error(c, http.StatusBadRequest, "MISSING_FILE", "file field is required")
	}

	src, err := file.Open()
	if err != nil {
		return Error(c, http.StatusBadRequest, "UNREADABLE_FILE", "could not read uploaded file")
	}
	defer src.Close()

	a, err := h.attachments.Register(c.Request().Context(), auth.GetUserID(c), file.Filename, file.Size, src)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}
