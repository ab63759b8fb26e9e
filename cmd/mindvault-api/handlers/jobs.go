package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
)

// JobsHandler exposes the async job queue to pollers.
type JobsHandler struct {
	log  *observability.Logger
	bank *knowledgebank.Service
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(log *observability.Logger, bank *knowledgebank.Service) *JobsHandler {
	return &JobsHandler{log: log, bank: bank}
}

// JobDTO is the polling shape for one job.
type JobDTO struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	State      string          `json:"state"`
	Progress   JobProgressDTO  `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	KBID       string          `json:"kb_id,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// JobProgressDTO reports how far a running job has come.
type JobProgressDTO struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

func toJobDTO(job *storage.Job) *JobDTO {
	dto := &JobDTO{
		ID:    job.ID.String(),
		Task:  job.Task,
		State: string(job.State),
		Progress: JobProgressDTO{
			Percent: job.ProgressPercent,
			Message: job.Message,
		},
		Result:     job.Result,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Error != nil {
		dto.Error = *job.Error
	}
	if job.KBID != nil {
		dto.KBID = job.KBID.String()
	}
	return dto
}

// Get handles GET /v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(h.log, w, apperr.Validation("job id must be a UUID"))
		return
	}

	job, err := h.bank.JobStatus(r.Context(), middleware.Owner(r.Context()), id)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// List handles GET /v1/jobs?limit=.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	jobs, err := h.bank.Jobs(r.Context(), middleware.Owner(r.Context()), limit)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	dtos := make([]*JobDTO, 0, len(jobs))
	for _, job := range jobs {
		dtos = append(dtos, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": dtos})
}

// Cancel handles DELETE /v1/jobs/{jobID}. Pending jobs are removed
// outright; running jobs are flagged and stop at the next checkpoint.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(h.log, w, apperr.Validation("job id must be a UUID"))
		return
	}

	deleted, err := h.bank.CancelJob(r.Context(), middleware.Owner(r.Context()), id)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  id.String(),
		"deleted": deleted,
	})
}
