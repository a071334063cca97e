package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/batch"
)

type BatchHandler struct {
	orch          *batch.Orchestrator
	maxImageBytes int64
}

func NewBatchHandler(orch *batch.Orchestrator, maxImageBytes int64) *BatchHandler {
	return &BatchHandler{orch: orch, maxImageBytes: maxImageBytes}
}

// Score handles POST /v1/score/batch. Per-item failures are reported inside
// a 200 response; only a malformed batch is rejected as a whole.
func (h *BatchHandler) Score(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, formError(err, "images"))
		return
	}
	files := form.File["images"]
	if len(files) > h.orch.MaxItems() {
		respondError(c, &apperr.Error{
			Kind:    apperr.KindValidation,
			Code:    apperr.CodeBatchTooLarge,
			Field:   "images",
			Message: fmt.Sprintf("batch of %d images exceeds maximum of %d", len(files), h.orch.MaxItems()),
		})
		return
	}

	req := batch.Request{Items: make([]batch.Item, 0, len(files)), Session: sessionOf(c)}
	for _, fh := range files {
		data, err := readUpload(fh, h.maxImageBytes)
		if err != nil {
			respondError(c, err)
			return
		}
		req.Items = append(req.Items, batch.Item{Name: fh.Filename, Data: data})
	}

	resp, err := h.orch.Run(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	msg := fmt.Sprintf("%d of %d images scored", resp.Summary.SuccessfulImages, resp.Summary.TotalImages)
	respond(c, http.StatusOK, msg, resp)
}
