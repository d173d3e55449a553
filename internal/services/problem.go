package services

import (
	"errors"
	"fmt"
	"time"
)

// ProblemKind is the machine-readable category of a client-facing error.
type ProblemKind string

const (
	KindValidation    ProblemKind = "validation"
	KindLimitExceeded ProblemKind = "limit_exceeded"
	KindRateLimited   ProblemKind = "rate_limited"
	KindBusy          ProblemKind = "busy"
	KindNotFound      ProblemKind = "not_found"
	KindConflict      ProblemKind = "conflict"
	KindInternal      ProblemKind = "internal"
)

// Problem is a structured rejection returned to callers. Retryable kinds carry
// a RetryAfter hint.
type Problem struct {
	Kind       ProblemKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (p *Problem) Error() string {
	if p.Err != nil {
		return fmt.Sprintf("%s: %s: %v", p.Kind, p.Message, p.Err)
	}
	return fmt.Sprintf("%s: %s", p.Kind, p.Message)
}

func (p *Problem) Unwrap() error {
	return p.Err
}

// Retryable reports whether the caller may retry after RetryAfter.
func (p *Problem) Retryable() bool {
	return p.Kind == KindBusy || p.Kind == KindRateLimited
}

// NewProblem constructs a Problem without a retry hint.
func NewProblem(kind ProblemKind, format string, args ...any) *Problem {
	return &Problem{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Busy reports that a shared resource is held and the caller should come back later.
func Busy(message string, retryAfter time.Duration) *Problem {
	return &Problem{Kind: KindBusy, Message: message, RetryAfter: retryAfter}
}

// RateLimited reports that the caller exceeded its request allowance.
func RateLimited(message string, retryAfter time.Duration) *Problem {
	return &Problem{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// AsProblem extracts a Problem from err. Errors tagged with the sentinel
// markers are mapped to the closest kind; anything else is internal.
func AsProblem(err error) *Problem {
	if err == nil {
		return nil
	}
	var problem *Problem
	if errors.As(err, &problem) {
		return problem
	}
	switch {
	case errors.Is(err, ErrValidation):
		return &Problem{Kind: KindValidation, Message: err.Error(), Err: err}
	case errors.Is(err, ErrNotFound):
		return &Problem{Kind: KindNotFound, Message: err.Error(), Err: err}
	default:
		return &Problem{Kind: KindInternal, Message: "internal error", Err: err}
	}
}
