package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/api"
	"photopipe/internal/apiclient"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
)

func TestNewEmptyBind(t *testing.T) {
	client, err := apiclient.New("", "")
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = client.Status(context.Background())
	assert.ErrorIs(t, err, apiclient.ErrAPIUnavailable)
	assert.True(t, apiclient.IsAPIUnavailable(err))
}

func TestLogsBuildsQueryAndSendsToken(t *testing.T) {
	var gotQuery url.Values
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.LogStreamResponse{
			Events: []api.LogEvent{{Level: "info", Message: "hello"}},
			Next:   42,
		})
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, "tok")
	require.NoError(t, err)
	resp, err := client.Logs(context.Background(), apiclient.LogQuery{
		Since:     3,
		Limit:     50,
		Follow:    true,
		Component: "export",
		JobID:     "job-1",
		ExportID:  "exp-1",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 1)
	assert.Equal(t, uint64(42), resp.Next)
	assert.Equal(t, "Bearer tok", gotAuth)
	for key, want := range map[string]string{
		"since":     "3",
		"limit":     "50",
		"follow":    "1",
		"component": "export",
		"job":       "job-1",
		"export":    "exp-1",
	} {
		assert.Equal(t, want, gotQuery.Get(key), key)
	}
}

func TestCreateExportDecodesProblem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.UserID == "busy" {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.ProblemResponse{Kind: "busy", Message: "another export is in progress", RetryAfterSeconds: 30})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(jobstore.Export{ID: "exp-1", ProjectID: req.ProjectID, Status: jobstore.ExportPending, AssetCount: len(req.AssetIDs)})
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, "")
	require.NoError(t, err)
	ctx := context.Background()

	record, err := client.CreateExport(ctx, export.Request{ProjectID: "p1", AssetIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, record.AssetCount)

	_, err = client.CreateExport(ctx, export.Request{ProjectID: "p1", UserID: "busy", AssetIDs: []string{"a"}})
	var perr *apiclient.ProblemError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "busy", perr.Problem.Kind)
	wait, ok := apiclient.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, wait)
}

func TestUnreachableDaemon(t *testing.T) {
	client, err := apiclient.New("127.0.0.1:1", "")
	require.NoError(t, err)
	_, err = client.Status(context.Background())
	require.Error(t, err)
	assert.True(t, apiclient.IsAPIUnavailable(err))
}
