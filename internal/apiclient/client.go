// Package apiclient is the CLI's HTTP client for a running photopipe daemon.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"photopipe/internal/api"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
)

// ErrAPIUnavailable is returned when no API address is configured.
var ErrAPIUnavailable = errors.New("photopipe API unavailable")

// ProblemError is a rejection decoded from the API.
type ProblemError struct {
	StatusCode int
	Problem    api.ProblemResponse
}

func (e *ProblemError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Problem.Kind, e.StatusCode, e.Problem.Message)
	if e.Problem.RetryAfterSeconds > 0 {
		msg += fmt.Sprintf("; retry after %ds", e.Problem.RetryAfterSeconds)
	}
	return msg
}

// Client talks to the daemon's HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// LogQuery filters a log page.
type LogQuery struct {
	Since     uint64
	Limit     int
	Follow    bool
	Component string
	JobID     string
	ExportID  string
}

// New builds a client for bind, which may omit the scheme. An empty bind
// yields a nil client whose calls fail with ErrAPIUnavailable.
func New(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		// No timeout: follow mode blocks until the caller cancels.
		http: &http.Client{},
	}, nil
}

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// SubmitJob queues a pipeline job.
func (c *Client) SubmitJob(ctx context.Context, req api.JobRequest) (*jobstore.Job, error) {
	var out jobstore.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateExport requests an export archive.
func (c *Client) CreateExport(ctx context.Context, req export.Request) (*jobstore.Export, error) {
	var out jobstore.Export
	if err := c.do(ctx, http.MethodPost, "/api/exports", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export fetches an export with its per-asset outcomes.
func (c *Client) Export(ctx context.Context, id string) (api.ExportResponse, error) {
	var out api.ExportResponse
	err := c.do(ctx, http.MethodGet, "/api/exports/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Logs fetches one page of daemon log events.
func (c *Client) Logs(ctx context.Context, q LogQuery) (api.LogStreamResponse, error) {
	values := url.Values{}
	if q.Since > 0 {
		values.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		values.Set("follow", "1")
	}
	if strings.TrimSpace(q.Component) != "" {
		values.Set("component", q.Component)
	}
	if strings.TrimSpace(q.JobID) != "" {
		values.Set("job", q.JobID)
	}
	if strings.TrimSpace(q.ExportID) != "" {
		values.Set("export", q.ExportID)
	}
	var out api.LogStreamResponse
	err := c.do(ctx, http.MethodGet, "/api/logs", values, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		perr := &ProblemError{StatusCode: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&perr.Problem); decodeErr != nil || perr.Problem.Kind == "" {
			perr.Problem.Kind = "http_error"
			perr.Problem.Message = http.StatusText(resp.StatusCode)
		}
		if perr.Problem.RetryAfterSeconds == 0 {
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				perr.Problem.RetryAfterSeconds = seconds
			}
		}
		return perr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RetryAfter returns the server's retry hint for a rejected request.
func RetryAfter(err error) (time.Duration, bool) {
	var perr *ProblemError
	if !errors.As(err, &perr) || perr.Problem.RetryAfterSeconds <= 0 {
		return 0, false
	}
	return time.Duration(perr.Problem.RetryAfterSeconds) * time.Second, true
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
