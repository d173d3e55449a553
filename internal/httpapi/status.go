package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"photopipe/internal/api"
	"photopipe/internal/logging"
	"photopipe/internal/queue"
	"photopipe/internal/staging"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := api.StatusResponse{
		Running:          true,
		PID:              os.Getpid(),
		StartedAt:        api.FormatTime(s.deps.StartedAt),
		StorageAvailable: s.deps.Objects.Available(ctx),
	}
	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(ctx)
		if err != nil {
			logging.WarnWithContext(s.logger, "queue stats unavailable", "queue_stats_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "status omits queue depths"),
			)
			stats = queue.Stats{Mode: s.deps.Queue.Mode()}
		}
		status.Queue = stats
	}
	if s.deps.Gate != nil {
		status.Gate = s.deps.Gate.Holder()
	}
	if s.deps.Limiter != nil {
		status.RateLimitEntries = s.deps.Limiter.Len()
	}
	if s.deps.Progress != nil {
		status.ProgressStreams = s.deps.Progress.Len()
	}
	if usage, err := staging.Summarize(s.deps.Config.Paths.CacheDir); err == nil {
		status.Cache = usage
	}
	if s.deps.Store != nil {
		health, err := s.deps.Store.CheckHealth(ctx)
		if err != nil && health.Error == "" {
			health.Error = err.Error()
		}
		status.Database = health
	}
	if s.deps.Preflight != nil {
		status.Preflight = s.deps.Preflight()
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleLogs pages through the in-memory log hub. follow=1 blocks until at
// least one event newer than since arrives.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	hub := s.deps.LogHub
	if hub == nil {
		s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: []api.LogEvent{}})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	component := strings.TrimSpace(query.Get("component"))
	jobID := strings.TrimSpace(query.Get("job"))
	exportID := strings.TrimSpace(query.Get("export"))

	raw, next, err := hub.Fetch(r.Context(), since, limit, follow)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeProblem(w, r, err)
		return
	}

	filtered := make([]api.LogEvent, 0, len(raw))
	for _, evt := range api.FromLogEvents(raw) {
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		if jobID != "" && evt.JobID != jobID {
			continue
		}
		if exportID != "" && evt.ExportID != exportID {
			continue
		}
		filtered = append(filtered, evt)
	}
	s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: filtered, Next: next})
}
