package httpapi

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/aperio-dev/aperio/internal/jobserr"
	"github.com/aperio-dev/aperio/internal/store"
	"github.com/aperio-dev/aperio/internal/validate"
)

// resolveCompleted loads a job and confirms it is Completed with a
// processed artifact on disk, the shared precondition for both
// /video and /stream.
func (s *Server) resolveCompleted(r *http.Request, id string) (*store.Job, *os.File, error) {
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != store.StatusCompleted || job.ProcessedPath == nil {
		return nil, nil, jobserr.New(jobserr.KindNotInExpectedState, string(job.Status))
	}

	f, err := os.Open(*job.ProcessedPath)
	if err != nil {
		return nil, nil, jobserr.Wrap(jobserr.KindNotFound, "processed artifact missing on disk", err)
	}
	return job, f, nil
}

// handleVideo serves the processed artifact as a single-shot
// attachment download; it does not honor Range requests.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validate.ValidJobID(id) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidJobId"})
		return
	}

	job, f, err := s.resolveCompleted(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, jobserr.Wrap(jobserr.KindNotFound, "stat failed", err))
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="video_%s.mp4"`, job.ID))
	http.ServeContent(w, r, "video_"+job.ID+".mp4", info.ModTime(), f)
}

// handleStream serves the processed artifact inline, honoring Range
// requests for seekable playback via http.ServeContent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validate.ValidJobID(id) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidJobId"})
		return
	}

	job, f, err := s.resolveCompleted(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, jobserr.Wrap(jobserr.KindNotFound, "stat failed", err))
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, "stream_"+job.ID+".mp4", info.ModTime(), f)
}
