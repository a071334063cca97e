package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/pkg/dto"
)

type JobHandler struct {
	mgr *jobs.Manager
}

func NewJobHandler(mgr *jobs.Manager) *JobHandler {
	return &JobHandler{mgr: mgr}
}

func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.mgr.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "job "+string(job.State), toJobStatus(job))
}

// Result answers 200 for completed jobs and 202 while the job is in flight.
// Failed jobs return their recorded error.
func (h *JobHandler) Result(c *gin.Context) {
	view, err := h.mgr.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := dto.JobResultResponse{
		JobID:     view.Job.ID,
		State:     string(view.Job.State),
		Completed: view.Completed,
		Result:    view.Result,
	}
	if !view.Completed {
		respond(c, http.StatusAccepted, "job not completed yet", resp)
		return
	}
	respond(c, http.StatusOK, "job completed", resp)
}

func toJobStatus(j *models.Job) dto.JobStatusResponse {
	r := dto.JobStatusResponse{
		JobID:     j.ID,
		State:     string(j.State),
		Session:   j.Session,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		Error:     j.Error,
	}
	if j.StartedAt != nil {
		r.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		r.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}
	return r
}
