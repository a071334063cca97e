package handlers

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/pkg/dto"
)

// maxEncodedLen caps the base64 payload before decoding.
const maxEncodedLen = 10_000_000

// MaxLegacyBody bounds the JSON body of a legacy request.
const MaxLegacyBody = maxEncodedLen + 64*1024

type LegacyHandler struct {
	mgr *jobs.Manager
}

func NewLegacyHandler(mgr *jobs.Manager) *LegacyHandler {
	return &LegacyHandler{mgr: mgr}
}

// Score handles POST /v1/legacy/score. Once decoded the image follows the
// same path as a multipart upload.
func (h *LegacyHandler) Score(c *gin.Context) {
	var req dto.LegacyScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		legacyError(c, formError(err, "image_base64"))
		return
	}
	data, err := decodeImage(req.ImageBase64)
	if err != nil {
		legacyError(c, err)
		return
	}

	sub, err := h.mgr.Submit(c.Request.Context(), jobs.SubmitRequest{Image: data, Session: req.Session})
	if err != nil {
		legacyError(c, err)
		return
	}

	resp := dto.LegacyScoreResponse{Success: true, Mode: string(sub.Mode), JobID: sub.JobID, Tags: []string{}}
	if sub.Mode == jobs.ModeQueued {
		resp.Message = "image queued for scoring"
		c.JSON(http.StatusAccepted, resp)
		return
	}
	r := sub.Result
	resp.Message = "image scored"
	resp.Score = r.Score
	resp.Percentile = r.Percentile
	resp.Confidence = r.Confidence
	resp.FaceDetected = r.FaceDetected
	resp.FaceCount = r.FaceCount
	resp.ProcessingTimeMS = r.ProcessingTimeMS
	if len(r.Tags) > 0 {
		resp.Vibe = r.Tags[0]
		resp.Tags = r.Tags
	}
	c.JSON(http.StatusOK, resp)
}

func decodeImage(encoded string) ([]byte, error) {
	// Accept data URLs as sent by browsers.
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, apperr.ValidationField(apperr.CodeMissingInput, "image_base64", "empty image data")
	}
	if len(encoded) > maxEncodedLen {
		e := apperr.PayloadTooLarge(int64(len(encoded)), maxEncodedLen)
		e.Field = "image_base64"
		return nil, e
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.ValidationField(apperr.CodeInvalidImage, "image_base64", "invalid base64 encoding")
	}
	return data, nil
}

func legacyError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), dto.LegacyScoreResponse{
		Success:   false,
		Message:   apperr.PublicMessage(err),
		Tags:      []string{},
		ErrorKind: string(apperr.KindOf(err)),
	})
}
