package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/pkg/dto"
)

type ScoreHandler struct {
	mgr           *jobs.Manager
	maxImageBytes int64
}

func NewScoreHandler(mgr *jobs.Manager, maxImageBytes int64) *ScoreHandler {
	return &ScoreHandler{mgr: mgr, maxImageBytes: maxImageBytes}
}

// Submit handles POST /v1/score. Queued submissions answer 202 with a job id,
// direct ones 200 with the result.
func (h *ScoreHandler) Submit(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		respondError(c, formError(err, "image"))
		return
	}
	data, err := readUpload(fh, h.maxImageBytes)
	if err != nil {
		respondError(c, err)
		return
	}

	sub, err := h.mgr.Submit(c.Request.Context(), jobs.SubmitRequest{Image: data, Session: sessionOf(c)})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.SubmitResponse{Mode: string(sub.Mode), JobID: sub.JobID, Result: sub.Result}
	if sub.Mode == jobs.ModeQueued {
		respond(c, http.StatusAccepted, "image queued for scoring", resp)
		return
	}
	respond(c, http.StatusOK, "image scored", resp)
}
