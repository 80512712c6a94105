package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aperio-dev/aperio/internal/jobserr"
	"github.com/aperio-dev/aperio/internal/store"
	"github.com/aperio-dev/aperio/internal/validate"
)

// JobView is the client-facing rendering of a store.Job: priority and
// status are rendered as their lowercase string forms rather than the
// raw integer/enum the store persists.
type JobView struct {
	ID                    string   `json:"id"`
	URL                   string   `json:"url"`
	Priority              string   `json:"priority"`
	Status                string   `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	DownloadedPath        *string  `json:"downloaded_path,omitempty"`
	ProcessedPath         *string  `json:"processed_path,omitempty"`
	ErrorMessage          *string  `json:"error_message,omitempty"`
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

func newJobView(j store.Job) JobView {
	return JobView{
		ID:                    j.ID,
		URL:                   j.URL,
		Priority:              j.Priority.String(),
		Status:                string(j.Status),
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		DownloadedPath:        j.DownloadedPath,
		ProcessedPath:         j.ProcessedPath,
		ErrorMessage:          j.ErrorMessage,
		ProcessingTimeSeconds: j.ProcessingTimeSeconds,
	}
}

type submitRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.admitLimiter.Allow() {
		writeError(w, jobserr.New(jobserr.KindQueueFull, "admission rate exceeded, retry shortly"))
		return
	}

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxPayload)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidUrl", Reason: "malformed request body"})
		return
	}

	if err := s.validator.ValidateURL(req.URL); err != nil {
		writeError(w, err)
		return
	}

	if err := s.readinessError(ctx); err != nil {
		writeError(w, err)
		return
	}

	priority := store.ParsePriority(req.Priority)
	job, err := s.store.Create(ctx, req.URL, priority)
	if err != nil {
		writeError(w, err)
		return
	}

	s.scheduler.NotifyAdmitted(job.ID, job.Priority)
	writeJSON(w, http.StatusAccepted, newJobView(*job))
}

// readinessError reports the first failing dependency check as a
// jobserr.Error carrying the kind the HTTP layer maps to 503, or nil
// if every dependency is healthy.
func (s *Server) readinessError(ctx context.Context) error {
	report := s.health.Run(ctx)
	if report.OK {
		return nil
	}
	for _, ch := range report.Checks {
		if ch.OK {
			continue
		}
		switch ch.Name {
		case "downloader":
			return jobserr.New(jobserr.KindDownloaderMissing, ch.Detail)
		case "encoder":
			return jobserr.New(jobserr.KindEncoderMissing, ch.Detail)
		default:
			return jobserr.New(jobserr.KindStorageUnavailable, ch.Detail)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validate.ValidJobID(id) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidJobId"})
		return
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(*job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validate.ValidJobID(id) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidJobId"})
		return
	}

	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  id,
		"message": "cancellation requested",
	})
}

type paginationView struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

type jobsListView struct {
	Jobs       []JobView      `json:"jobs"`
	Pagination paginationView `json:"pagination"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidPagination", Reason: "page"})
			return
		}
		page = n
	}

	pageSize := 20
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidPagination", Reason: "page_size"})
			return
		}
		pageSize = n
	}

	var statusFilter *store.Status
	if raw := q.Get("status"); raw != "" {
		st := store.Status(raw)
		if !validStatus(st) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidPagination", Reason: "status"})
			return
		}
		statusFilter = &st
	}

	jobs, total, err := s.store.List(r.Context(), page, pageSize, statusFilter)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}

	writeJSON(w, http.StatusOK, jobsListView{
		Jobs:       views,
		Pagination: paginationView{Page: page, PageSize: pageSize, Total: total},
	})
}

func validStatus(s store.Status) bool {
	switch s {
	case store.StatusPending, store.StatusClaimed, store.StatusDownloading,
		store.StatusProcessing, store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		return true
	default:
		return false
	}
}
