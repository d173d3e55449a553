package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"photopipe/internal/api"
	"photopipe/internal/jobstore"
	"photopipe/internal/metadata"
	"photopipe/internal/services"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectRequest
	if err := s.decode(r, &req); err != nil {
		s.writeProblem(w, r, err)
		return
	}
	project, err := s.deps.Store.CreateProject(r.Context(), jobstore.Project{
		UserID:        strings.TrimSpace(req.UserID),
		Name:          strings.TrimSpace(req.Name),
		EventName:     strings.TrimSpace(req.EventName),
		EventDate:     strings.TrimSpace(req.EventDate),
		EventLocation: strings.TrimSpace(req.EventLocation),
	})
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) (*jobstore.Project, bool) {
	id := chi.URLParam(r, "projectID")
	project, err := s.deps.Store.GetProject(r.Context(), id)
	if err != nil {
		s.writeProblem(w, r, err)
		return nil, false
	}
	if project == nil {
		s.writeProblem(w, r, services.NewProblem(services.KindNotFound, "project %s not found", id))
		return nil, false
	}
	return project, true
}

// ownerParam returns the profile owner for scope: the project id for
// project profiles, the user id for user profiles.
func ownerParam(r *http.Request, scope jobstore.ProfileScope) string {
	if scope == jobstore.ScopeProject {
		return chi.URLParam(r, "projectID")
	}
	return chi.URLParam(r, "ownerID")
}

func (s *Server) handleGetProfile(scope jobstore.ProfileScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerParam(r, scope)
		profile, err := s.deps.Store.GetProfile(r.Context(), scope, owner)
		if err != nil {
			s.writeProblem(w, r, err)
			return
		}
		if profile == nil {
			s.writeProblem(w, r, services.NewProblem(services.KindNotFound, "no %s profile for %s", scope, owner))
			return
		}
		s.writeJSON(w, http.StatusOK, profile)
	}
}

func (s *Server) handlePutProfile(scope jobstore.ProfileScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scope == jobstore.ScopeProject {
			if _, ok := s.loadProject(w, r); !ok {
				return
			}
		}
		var data metadata.Profile
		if err := s.decode(r, &data); err != nil {
			s.writeProblem(w, r, err)
			return
		}
		if strings.TrimSpace(data.CreatorName) == "" {
			s.writeProblem(w, r, services.NewProblem(services.KindValidation, "creator_name is required"))
			return
		}
		profile, err := s.deps.Store.UpsertProfile(r.Context(), scope, ownerParam(r, scope), data)
		if err != nil {
			s.writeProblem(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, profile)
	}
}
