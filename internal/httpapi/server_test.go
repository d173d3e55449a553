package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/admission"
	"photopipe/internal/api"
	"photopipe/internal/config"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/testsupport"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (q *fakeQueue) Mode() queue.Mode { return queue.ModePolling }

func (q *fakeQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Start(context.Context, queue.Handlers) error { return nil }

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Mode: queue.ModePolling, Queues: map[queue.Name]queue.Counts{
		queue.Process: {Waiting: int64(len(q.tasks))},
	}}, nil
}

func (q *fakeQueue) Shutdown(context.Context) error { return nil }

type apiHarness struct {
	cfg     *config.Config
	store   *jobstore.Store
	queue   *fakeQueue
	exports *export.Service
	srv     *Server
	ts      *httptest.Server
}

func newAPIHarness(t *testing.T, mutate ...func(*config.Config)) *apiHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	for _, fn := range mutate {
		fn(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	q := &fakeQueue{}
	gate := admission.NewGate(10*time.Minute, 30*time.Second)
	limiter := admission.NewRateLimiter(10*time.Second, 100)
	broadcaster := progress.NewBroadcaster(0)
	exports := export.New(cfg, store, q, gate, limiter, nil, logging.NewNop(), export.WithBroadcaster(broadcaster))

	srv := New(Deps{
		Config:    cfg,
		Store:     store,
		Queue:     q,
		Jobs:      api.NewJobService(store, q, logging.NewNop()),
		Exports:   exports,
		Gate:      gate,
		Limiter:   limiter,
		Progress:  broadcaster,
		LogHub:    logging.NewStreamHub(16),
		StartedAt: time.Now(),
	}, logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{cfg: cfg, store: store, queue: q, exports: exports, srv: srv, ts: ts}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *apiHarness) project(t *testing.T) *jobstore.Project {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/projects", api.ProjectRequest{
		UserID:    "user-1",
		Name:      "Harbor Festival",
		EventName: "Harbor Festival 2026",
		EventDate: "2026-07-04",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[*jobstore.Project](t, resp)
}

func (h *apiHarness) upload(t *testing.T, projectID, filename string, content []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/api/projects/"+projectID+"/assets", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.jpg")
	testsupport.WriteJPEG(t, path, 32, 24)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestProjectsAndProfiles(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	assert.Equal(t, "Harbor Festival 2026", project.EventName)

	resp := h.do(t, http.MethodGet, "/api/projects/"+project.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/projects/"+project.ID+"/profile", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/api/projects/"+project.ID+"/profile", map[string]any{
		"creator_name": "Dana Reyes",
		"city":         "Portland",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decodeBody[jobstore.Profile](t, resp)
	assert.Equal(t, "Dana Reyes", profile.Data.CreatorName)
	assert.Equal(t, jobstore.ScopeProject, profile.Scope)

	resp = h.do(t, http.MethodPut, "/api/users/user-1/profile", map[string]any{"city": "Portland"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decodeBody[api.ProblemResponse](t, resp)
	assert.Equal(t, "not_found", problem.Kind)
}

func TestCreateProjectValidation(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "No owner", "event_date": "July 4"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decodeBody[api.ProblemResponse](t, resp)
	assert.Equal(t, "validation", problem.Kind)
	assert.Contains(t, problem.Message, "user_id")
	assert.Contains(t, problem.Message, "event_date")

	resp = h.do(t, http.MethodPost, "/api/projects", map[string]any{"user_id": "u", "name": "x", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadRecordsHashAndFile(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	content := jpegBytes(t)

	resp := h.upload(t, project.ID, "Sunset.JPG", content, map[string]string{"user_context": "pier at dusk"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	asset := decodeBody[jobstore.Asset](t, resp)

	sum := sha256.Sum256(content)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), asset.ContentHash)
	assert.Equal(t, "Sunset.JPG", asset.Filename)
	assert.Equal(t, "image/jpeg", asset.MIMEType)
	assert.Equal(t, int64(len(content)), asset.SizeBytes)
	assert.Equal(t, "user-1", asset.UserID)
	assert.Equal(t, "pier at dusk", asset.UserContext)
	assert.Equal(t, filepath.Join(h.cfg.UploadsDir(), project.ID, asset.ID+".jpg"), asset.OriginalPath)
	stored, err := os.ReadFile(asset.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, content, stored)
}

func TestUploadRejectsNonImages(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)

	resp := h.upload(t, project.ID, "notes.txt", []byte("just some text"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.upload(t, project.ID, "a.jpg", jpegBytes(t), map[string]string{"declared_authorship": "mine"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, _ := os.ReadDir(filepath.Join(h.cfg.UploadsDir(), project.ID))
	assert.Empty(t, entries, "rejected uploads leave no files behind")
}

func TestSubmitJobAndAudit(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	resp := h.upload(t, project.ID, "a.jpg", jpegBytes(t), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	asset := decodeBody[jobstore.Asset](t, resp)

	resp = h.do(t, http.MethodPost, "/api/assets/"+asset.ID+"/jobs", map[string]string{"type": "full_pipeline"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeBody[jobstore.Job](t, resp)
	assert.Equal(t, asset.ID, job.AssetID)
	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, job.ID, h.queue.tasks[0].ID)

	resp = h.do(t, http.MethodPost, "/api/assets/"+asset.ID+"/jobs", map[string]string{"type": "full_pipeline"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/jobs", map[string]string{"asset_id": asset.ID, "type": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/assets/"+asset.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	audit := decodeBody[api.AuditResponse](t, resp)
	assert.Equal(t, asset.ID, audit.AssetID)
	assert.NotNil(t, audit.Events)

	resp = h.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExportAdmissionStatusCodes(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	asset := testsupport.NewAsset(t, h.cfg, h.store, project, "a.jpg", 64)

	tooMany := make([]string, 201)
	for i := range tooMany {
		tooMany[i] = asset.ID
	}
	resp := h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "asset_ids": tooMany})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "user_id": "u1", "asset_ids": []string{asset.ID}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "user_id": "u1", "asset_ids": []string{asset.ID}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "user_id": "u2", "asset_ids": []string{asset.ID}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	problem := decodeBody[api.ProblemResponse](t, resp)
	assert.Equal(t, "busy", problem.Kind)
	assert.Equal(t, 30, problem.RetryAfterSeconds)

	resp = h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "asset_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportDownloadAndProgress(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	asset := testsupport.NewAsset(t, h.cfg, h.store, project, "a.jpg", 64)
	ctx := context.Background()

	resp := h.do(t, http.MethodPost, "/api/exports", map[string]any{"project_id": project.ID, "asset_ids": []string{asset.ID}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	record := decodeBody[jobstore.Export](t, resp)

	resp = h.do(t, http.MethodGet, "/api/exports/"+record.ID+"/download", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/exports/" + record.ID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first progress.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, progress.StatusPending, first.Status)

	require.NoError(t, h.exports.Run(ctx, queue.Delivery{Task: queue.Task{Queue: queue.Export, ID: record.ID}, Attempt: 1, Final: true}))

	var last progress.Snapshot
	for {
		var snap progress.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			break
		}
		last = snap
	}
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Percent)

	resp = h.do(t, http.MethodGet, "/api/exports/"+record.ID+"/download", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "export-"+record.ID+".zip")

	resp = h.do(t, http.MethodGet, "/api/exports/"+record.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[api.ExportResponse](t, resp)
	assert.Equal(t, jobstore.ExportCompleted, detail.Export.Status)
	require.Len(t, detail.Assets, 1)
	assert.Equal(t, jobstore.ExportAssetAdded, detail.Assets[0].Status)

	// Finished and no longer tracked: one snapshot from the record, then close.
	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer late.Close()
	var final progress.Snapshot
	require.NoError(t, late.ReadJSON(&final))
	assert.Equal(t, progress.StatusCompleted, final.Status)
}

func TestProgressStreamClosesWhenExportFinishesWhileSubscribing(t *testing.T) {
	h := newAPIHarness(t)
	project := h.project(t)
	asset := testsupport.NewAsset(t, h.cfg, h.store, project, "a.jpg", 64)
	ctx := context.Background()

	record, err := h.store.CreateExport(ctx, jobstore.NewExport{ID: "export-late", ProjectID: project.ID, AssetIDs: []string{asset.ID}})
	require.NoError(t, err)
	h.srv.subscribed = func(id string) {
		assert.NoError(t, h.store.FailExport(context.Background(), id, "disk full"))
	}

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/exports/" + record.ID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var final progress.Snapshot
	require.NoError(t, conn.ReadJSON(&final))
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Equal(t, "disk full", final.Message)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestStatusReportsRuntime(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[api.StatusResponse](t, resp)
	assert.True(t, status.Running)
	assert.Equal(t, queue.ModePolling, status.Queue.Mode)
	assert.False(t, status.Gate.Held)
	assert.False(t, status.StorageAvailable)
	assert.True(t, status.Database.DatabaseExists)
}

func TestLogsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(t, http.MethodGet, "/api/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decodeBody[api.LogStreamResponse](t, resp)
	assert.Empty(t, logs.Events)
}

func TestBearerTokenRequired(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.Config) { cfg.Paths.APIToken = "s3cret" })

	resp := h.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
