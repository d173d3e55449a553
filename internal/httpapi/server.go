package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"photopipe/internal/admission"
	"photopipe/internal/api"
	"photopipe/internal/config"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/preflight"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/storage"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Config    *config.Config
	Store     *jobstore.Store
	Queue     queue.Queue
	Jobs      *api.JobService
	Exports   *export.Service
	Gate      *admission.Gate
	Limiter   *admission.RateLimiter
	Objects   storage.ObjectStore
	Progress  *progress.Broadcaster
	LogHub    *logging.StreamHub
	StartedAt time.Time
	// Preflight returns the most recent preflight results.
	Preflight func() []preflight.Result
}

// Server is the HTTP API server.
type Server struct {
	deps     Deps
	bind     string
	token    string
	logger   *slog.Logger
	validate *validator.Validate
	router   chi.Router

	listener net.Listener
	server   *http.Server

	// subscribed runs after a progress stream subscribes; tests use it.
	subscribed func(exportID string)
}

// New constructs the API server. It returns nil when no bind address is
// configured.
func New(deps Deps, logger *slog.Logger) *Server {
	if deps.Config == nil {
		return nil
	}
	if deps.Objects == nil {
		deps.Objects = storage.Unavailable{}
	}
	s := &Server{
		deps:     deps,
		bind:     strings.TrimSpace(deps.Config.Paths.APIBind),
		token:    strings.TrimSpace(deps.Config.Paths.APIToken),
		logger:   logging.NewComponentLogger(logger, "api-server"),
		validate: newValidator(),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(s.auth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)

		r.Post("/projects", s.handleCreateProject)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Get("/profile", s.handleGetProfile(jobstore.ScopeProject))
			r.Put("/profile", s.handlePutProfile(jobstore.ScopeProject))
			r.Get("/assets", s.handleListAssets)
			r.Post("/assets", s.handleUploadAsset)
			r.Get("/exports", s.handleListExports)
		})
		r.Get("/users/{ownerID}/profile", s.handleGetProfile(jobstore.ScopeUser))
		r.Put("/users/{ownerID}/profile", s.handlePutProfile(jobstore.ScopeUser))

		r.Route("/assets/{assetID}", func(r chi.Router) {
			r.Get("/", s.handleGetAsset)
			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/audit", s.handleAudit)
		})
		r.Post("/jobs", s.handleSubmitJobBody)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)

		r.Post("/exports", s.handleCreateExport)
		r.Route("/exports/{exportID}", func(r chi.Router) {
			r.Get("/", s.handleGetExport)
			r.Get("/download", s.handleDownloadExport)
			r.Get("/progress", s.handleExportProgress)
		})
	})
	return r
}

// Start listens on the configured bind address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
	)
	return nil
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
