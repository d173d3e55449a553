package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"photopipe/internal/api"
	"photopipe/internal/services"
)

// handleSubmitJob queues a job for the asset in the path. The body carries
// the job type and optional user id.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.JobRequest
	req.AssetID = chi.URLParam(r, "assetID")
	if err := s.decode(r, &req); err != nil {
		s.writeProblem(w, r, err)
		return
	}
	req.AssetID = chi.URLParam(r, "assetID")
	s.submitJob(w, r, req)
}

func (s *Server) handleSubmitJobBody(w http.ResponseWriter, r *http.Request) {
	var req api.JobRequest
	if err := s.decode(r, &req); err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.submitJob(w, r, req)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, req api.JobRequest) {
	job, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	if job == nil {
		s.writeProblem(w, r, services.NewProblem(services.KindNotFound, "job %s not found", id))
		return
	}
	results, err := s.deps.Store.GetJobResults(r.Context(), id)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job, "results": results})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}
