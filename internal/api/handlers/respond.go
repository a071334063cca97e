package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/pkg/dto"
)

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, dto.Envelope{Status: dto.StatusSuccess, Message: message, Data: data})
}

// respondError writes the error envelope. Causes are logged, never returned.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	detail := &dto.ErrorDetail{Kind: string(apperr.KindOf(err))}
	if e, ok := apperr.As(err); ok {
		detail.Code = e.Code
		detail.Stage = e.Stage
		detail.Field = e.Field
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, dto.Envelope{
		Status:    dto.StatusError,
		Message:   apperr.PublicMessage(err),
		Error:     detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// readUpload reads at most limit+1 bytes so size checks downstream still
// see an oversized upload without buffering all of it.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidImage, "cannot read uploaded file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidImage, "cannot read uploaded file")
	}
	return data, nil
}

// formError maps request parse failures, including the body size cap.
func formError(err error, field string) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		e := apperr.PayloadTooLarge(tooBig.Limit+1, tooBig.Limit)
		e.Field = field
		return e
	}
	return apperr.ValidationField(apperr.CodeMissingInput, field, "field "+field+" is required")
}

func sessionOf(c *gin.Context) string {
	if s := c.PostForm("session"); s != "" {
		return s
	}
	return c.GetHeader("X-Session-ID")
}
