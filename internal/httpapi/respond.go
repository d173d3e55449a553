package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"photopipe/internal/api"
	"photopipe/internal/logging"
	"photopipe/internal/services"
)

const maxJSONBody = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ProblemResponse{Kind: kindForStatus(status), Message: message})
}

// writeProblem maps err to a problem response. Internal errors are logged
// and their detail withheld from the client.
func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	problem := services.AsProblem(err)
	status := statusForKind(problem.Kind)
	body := api.ProblemResponse{Kind: string(problem.Kind), Message: problem.Message}

	if problem.RetryAfter > 0 {
		seconds := int(math.Ceil(problem.RetryAfter.Seconds()))
		body.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	if status >= http.StatusInternalServerError && problem.Kind != services.KindBusy {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_error",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "see the wrapped error for the failing component"),
		)
	}
	s.writeJSON(w, status, body)
}

func statusForKind(kind services.ProblemKind) int {
	switch kind {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict:
		return http.StatusConflict
	case services.KindLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case services.KindRateLimited:
		return http.StatusTooManyRequests
	case services.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(services.KindValidation)
	case http.StatusNotFound:
		return string(services.KindNotFound)
	case http.StatusUnauthorized:
		return "unauthorized"
	default:
		return string(services.KindInternal)
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return services.NewProblem(services.KindValidation, "request body is empty")
		}
		return &services.Problem{Kind: services.KindValidation, Message: "malformed JSON body", Err: err}
	}
	return s.check(dst)
}

func (s *Server) check(value any) error {
	err := s.validate.Struct(value)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &services.Problem{Kind: services.KindValidation, Message: "invalid request", Err: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldLabel(fe))
	}
	return services.NewProblem(services.KindValidation, "invalid fields: %s", strings.Join(fields, ", "))
}

func fieldLabel(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if fe.Param() != "" {
		return name + " (" + fe.Tag() + "=" + fe.Param() + ")"
	}
	return name + " (" + fe.Tag() + ")"
}
