package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/admission"
	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/services"
	"photopipe/internal/storage"
	"photopipe/internal/testsupport"
)

type memoryObjects struct {
	mu        sync.Mutex
	available bool
	objects   map[string][]byte
	uploads   int
}

func newMemoryObjects(available bool) *memoryObjects {
	return &memoryObjects{available: available, objects: map[string][]byte{}}
}

func (m *memoryObjects) Available(context.Context) bool { return m.available }

func (m *memoryObjects) Upload(_ context.Context, localPath, key string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	locator := storage.ObjectLocator(key)
	m.mu.Lock()
	m.objects[locator] = data
	m.uploads++
	m.mu.Unlock()
	return locator, nil
}

func (m *memoryObjects) Download(_ context.Context, locator, destPath string) error {
	m.mu.Lock()
	data, ok := m.objects[locator]
	m.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrNotFound, "storage", "download", locator, nil)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (m *memoryObjects) PresignGet(_ context.Context, locator string, expiry time.Duration) (string, error) {
	return "https://signed.example/" + locator + "?expires=" + expiry.String(), nil
}

func (m *memoryObjects) Delete(_ context.Context, locator string) error {
	m.mu.Lock()
	delete(m.objects, locator)
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) get(locator string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[locator]
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type harness struct {
	cfg     *config.Config
	store   *jobstore.Store
	objects *memoryObjects
	queue   *recordingQueue
	gate    *admission.Gate
	limiter *admission.RateLimiter
	svc     *Service
	project *jobstore.Project
}

func newHarness(t *testing.T, storageAvailable bool, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	h := &harness{
		cfg:     cfg,
		store:   store,
		objects: newMemoryObjects(storageAvailable),
		queue:   &recordingQueue{},
		gate:    admission.NewGate(10*time.Minute, 30*time.Second),
		limiter: admission.NewRateLimiter(10*time.Second, 100),
		project: testsupport.NewProject(t, store, "user-1"),
	}
	h.svc = New(cfg, store, h.queue, h.gate, h.limiter, h.objects, logging.NewNop(),
		WithBroadcaster(progress.NewBroadcaster(0)))
	return h
}

// embeddedAsset creates an asset whose embedded copy exists locally.
func (h *harness) embeddedAsset(t *testing.T, filename string) *jobstore.Asset {
	t.Helper()
	asset := testsupport.NewAsset(t, h.cfg, h.store, h.project, filename, 256)
	path := filepath.Join(h.cfg.EmbeddedDir(), h.project.ID, asset.ID+".jpg")
	testsupport.WriteFile(t, path, 512)
	require.NoError(t, h.store.SetAssetEmbedded(context.Background(), asset.ID, path, ""))
	return asset
}

func (h *harness) run(t *testing.T, id string) error {
	t.Helper()
	return h.svc.Run(context.Background(), queue.Delivery{Task: queue.Task{Queue: queue.Export, ID: id}, Attempt: 1, Final: true})
}

func ids(assets ...*jobstore.Asset) []string {
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.ID)
	}
	return out
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func localArchive(t *testing.T, export *jobstore.Export) string {
	t.Helper()
	locator, err := storage.ParseLocator(export.OutputPath)
	require.NoError(t, err)
	require.True(t, locator.IsLocal(), "expected local locator, got %s", export.OutputPath)
	return locator.Value
}

func readZip(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return zipNames(t, data)
}

func requireProblem(t *testing.T, err error, kind services.ProblemKind) *services.Problem {
	t.Helper()
	require.Error(t, err)
	var problem *services.Problem
	require.True(t, errors.As(err, &problem), "expected problem, got %v", err)
	assert.Equal(t, kind, problem.Kind)
	return problem
}

func TestCreateRejectsOverLimitBeforeAnyWork(t *testing.T) {
	h := newHarness(t, false)
	assetIDs := make([]string, 201)
	for i := range assetIDs {
		assetIDs[i] = fmt.Sprintf("asset-%03d", i)
	}

	_, err := h.svc.Create(context.Background(), Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: assetIDs})
	requireProblem(t, err, services.KindLimitExceeded)

	exports, err := h.store.ListExports(context.Background(), h.project.ID)
	require.NoError(t, err)
	assert.Empty(t, exports)
	assert.Empty(t, h.queue.tasks)
	assert.False(t, h.gate.Holder().Held)
	assert.True(t, h.limiter.Check("user-1").Allowed, "rejected requests do not start the cooldown")
}

func TestCreateHonorsConfiguredCeiling(t *testing.T) {
	h := newHarness(t, false, testsupport.WithMaxAssets(2))
	a := h.embeddedAsset(t, "a.jpg")
	_, err := h.svc.Create(context.Background(), Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID, "b", "c"}})
	requireProblem(t, err, services.KindLimitExceeded)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, Request{AssetIDs: []string{"a"}})
	requireProblem(t, err, services.KindValidation)

	_, err = h.svc.Create(ctx, Request{ProjectID: h.project.ID})
	requireProblem(t, err, services.KindValidation)

	_, err = h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{"a"}, Options: Options{Format: "tiff"}})
	requireProblem(t, err, services.KindValidation)

	_, err = h.svc.Create(ctx, Request{ProjectID: "missing", AssetIDs: []string{"a"}})
	requireProblem(t, err, services.KindNotFound)
}

func TestCreateAdmitsAndHoldsGate(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")

	export, err := h.svc.Create(context.Background(), Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportPending, export.Status)
	assert.Equal(t, 1, export.AssetCount)

	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, queue.Export, h.queue.tasks[0].Queue)
	assert.Equal(t, export.ID, h.queue.tasks[0].ID)
	assert.Equal(t, export.ID, h.gate.Holder().Owner)
}

func TestCreateBucketsAnonymousCallersByClient(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	first := services.WithClientAddr(context.Background(), "10.0.0.1")
	second := services.WithClientAddr(context.Background(), "10.0.0.2")

	export, err := h.svc.Create(first, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	export, err = h.svc.Create(second, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	_, err = h.svc.Create(first, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	requireProblem(t, err, services.KindRateLimited)
}

func TestCreateRateLimitsSameUser(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	_, err = h.svc.Create(ctx, Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: []string{a.ID}})
	problem := requireProblem(t, err, services.KindRateLimited)
	assert.Greater(t, problem.RetryAfter, time.Duration(0))
}

func TestCreateFailsFastWhileAnotherExportRuns(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()

	_, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: []string{a.ID}})
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, Request{ProjectID: h.project.ID, UserID: "user-2", AssetIDs: []string{a.ID}})
	problem := requireProblem(t, err, services.KindBusy)
	assert.Equal(t, 30*time.Second, problem.RetryAfter)

	exports, err := h.store.ListExports(ctx, h.project.ID)
	require.NoError(t, err)
	assert.Len(t, exports, 1)
}

func TestCreateEnqueueFailureReleasesGate(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	h.queue.err = errors.New("queue down")

	_, err := h.svc.Create(context.Background(), Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.Error(t, err)
	assert.False(t, h.gate.Holder().Held)

	exports, err := h.store.ListExports(context.Background(), h.project.ID)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, jobstore.ExportFailed, exports[0].Status)
}

func TestRunMixedSourcesScenario(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a1 := h.embeddedAsset(t, "a1.jpg")
	a2 := h.embeddedAsset(t, "a2.jpg")
	a3 := h.embeddedAsset(t, "a3.jpg")
	a4 := testsupport.NewAsset(t, h.cfg, h.store, h.project, "a4.jpg", 0)
	a5 := testsupport.NewAsset(t, h.cfg, h.store, h.project, "a5.jpg", 0)

	remote := filepath.Join(t.TempDir(), "a5-embedded.jpg")
	testsupport.WriteFile(t, remote, 300)
	locator, err := h.objects.Upload(ctx, remote, "embedded/"+h.project.ID+"/"+a5.ID+".jpg")
	require.NoError(t, err)
	missingLocal := filepath.Join(h.cfg.EmbeddedDir(), h.project.ID, a5.ID+".jpg")
	require.NoError(t, h.store.SetAssetEmbedded(ctx, a5.ID, missingLocal, locator))

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, UserID: "user-1", AssetIDs: ids(a1, a2, a3, a4, a5)})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportCompleted, stored.Status)
	assert.Equal(t, 4, stored.FilesAdded)
	assert.Equal(t, storage.ObjectLocator("exports/"+h.project.ID+"/"+export.ID+".zip"), stored.OutputPath)
	assert.NoFileExists(t, h.svc.archivePath(stored), "uploaded archive is not kept locally")

	names := zipNames(t, h.objects.get(stored.OutputPath))
	assert.Equal(t, []string{"a1.jpg", "a2.jpg", "a3.jpg", "a5.jpg"}, names)

	outcomes, err := h.store.ExportAssets(ctx, export.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	byAsset := map[string]jobstore.ExportAsset{}
	for _, o := range outcomes {
		byAsset[o.AssetID] = o
	}
	assert.Equal(t, jobstore.ExportAssetFailed, byAsset[a4.ID].Status)
	assert.Equal(t, "source file not found", byAsset[a4.ID].Reason)
	assert.Equal(t, jobstore.ExportAssetAdded, byAsset[a5.ID].Status)
	assert.Equal(t, string(SourceEmbeddedRemote), byAsset[a5.ID].Source)
	assert.Equal(t, string(SourceEmbeddedLocal), byAsset[a1.ID].Source)

	assert.False(t, h.gate.Holder().Held, "gate is released after the export")
}

func TestRunFallsBackToOriginal(t *testing.T) {
	h := newHarness(t, false)
	asset := testsupport.NewAsset(t, h.cfg, h.store, h.project, "raw shot.jpg", 128)
	ctx := context.Background()

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{asset.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw_shot.jpg"}, readZip(t, localArchive(t, stored)))

	outcomes, err := h.store.ExportAssets(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, string(SourceOriginal), outcomes[0].Source)
}

func TestRunFailsWhenNothingExportable(t *testing.T) {
	h := newHarness(t, false)
	missing := testsupport.NewAsset(t, h.cfg, h.store, h.project, "gone.jpg", 0)
	ctx := context.Background()

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{missing.ID, "unknown-asset"}})
	require.NoError(t, err)
	err = h.run(t, export.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)

	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no exportable files")
	assert.False(t, h.gate.Holder().Held)

	entries, err := os.ReadDir(filepath.Join(h.cfg.Paths.ExportDir, h.project.ID))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial archives are removed")
}

func TestRunSkipsFinishedExport(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	require.NoError(t, h.run(t, export.ID))
	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportCompleted, stored.Status)
}

func TestRunBusyGateRetriesThenFails(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.store.CreateExport(ctx, jobstore.NewExport{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)

	other, err := h.gate.Acquire("someone-else")
	require.NoError(t, err)
	defer other.Release()

	err = h.svc.Run(ctx, queue.Delivery{Task: queue.Task{Queue: queue.Export, ID: export.ID}, Attempt: 1})
	requireProblem(t, err, services.KindBusy)
	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportPending, stored.Status, "retryable failure returns the export to pending")

	err = h.svc.Run(ctx, queue.Delivery{Task: queue.Task{Queue: queue.Export, ID: export.ID}, Attempt: 2, Final: true})
	require.Error(t, err)
	stored, err = h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ExportFailed, stored.Status)
	assert.Equal(t, "someone-else", h.gate.Holder().Owner)
}

func TestRunTransformsAndRenames(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	first := testsupport.NewAsset(t, h.cfg, h.store, h.project, "Café Olé.jpg", 0)
	testsupport.WriteJPEG(t, first.OriginalPath, 200, 100)
	second := testsupport.NewAsset(t, h.cfg, h.store, h.project, "cafe-ole.jpg", 0)
	testsupport.WriteJPEG(t, second.OriginalPath, 100, 200)

	export, err := h.svc.Create(ctx, Request{
		ProjectID: h.project.ID,
		AssetIDs:  ids(first, second),
		Options:   Options{Format: "png", MaxEdge: 64, Naming: NamingSequence},
	})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_Cafe_Ole.png", "0002_cafe-ole.png"}, readZip(t, localArchive(t, stored)))

	leftovers, err := filepath.Glob(filepath.Join(h.cfg.Paths.CacheDir, "export-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "work directories are cleaned up")
}

func TestDownloadLocalArchive(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	dl, err := h.svc.Download(ctx, export.ID)
	require.NoError(t, err)
	assert.Empty(t, dl.URL)
	assert.FileExists(t, dl.Path)
	assert.False(t, dl.Rebuilt)
	assert.Equal(t, "export-"+export.ID+".zip", dl.Filename)
}

func TestDownloadSignedURL(t *testing.T) {
	h := newHarness(t, true)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	dl, err := h.svc.Download(ctx, export.ID)
	require.NoError(t, err)
	assert.Contains(t, dl.URL, "https://signed.example/objstore://exports/")
	assert.Empty(t, dl.Path)
}

func TestDownloadRebuildIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	a1 := h.embeddedAsset(t, "a1.jpg")
	a2 := h.embeddedAsset(t, "a2.jpg")
	gone := testsupport.NewAsset(t, h.cfg, h.store, h.project, "gone.jpg", 0)
	ctx := context.Background()

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: ids(a1, a2, gone)})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))
	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	original := readZip(t, localArchive(t, stored))
	require.Len(t, original, 2)

	var counts []int
	for range 2 {
		require.NoError(t, os.Remove(localArchive(t, stored)))
		dl, err := h.svc.Download(ctx, export.ID)
		require.NoError(t, err)
		assert.True(t, dl.Rebuilt)
		counts = append(counts, len(readZip(t, dl.Path)))

		stored, err = h.store.GetExport(ctx, export.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.FilesAdded)
	}
	assert.Equal(t, []int{2, 2}, counts)
	assert.False(t, h.gate.Holder().Held)
}

func TestRebuildKeepsStoredNaming(t *testing.T) {
	h := newHarness(t, false)
	a1 := h.embeddedAsset(t, "a1.jpg")
	a2 := h.embeddedAsset(t, "a2.jpg")
	ctx := context.Background()

	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: ids(a1, a2), Options: Options{Naming: NamingAssetID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))
	stored, err := h.store.GetExport(ctx, export.ID)
	require.NoError(t, err)
	original := readZip(t, localArchive(t, stored))

	rebuilt, err := h.svc.Rebuild(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, original, readZip(t, localArchive(t, rebuilt)))
	assert.Contains(t, original, a1.ID+".jpg")
}

func TestDownloadRejectsUnfinishedExport(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)

	_, err = h.svc.Download(ctx, export.ID)
	requireProblem(t, err, services.KindConflict)

	_, err = h.svc.Download(ctx, "missing")
	requireProblem(t, err, services.KindNotFound)
}

func TestRebuildFailsFastWhenGateBusy(t *testing.T) {
	h := newHarness(t, false)
	a := h.embeddedAsset(t, "a.jpg")
	ctx := context.Background()
	export, err := h.svc.Create(ctx, Request{ProjectID: h.project.ID, AssetIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, h.run(t, export.ID))

	lease, err := h.gate.Acquire("other")
	require.NoError(t, err)
	defer lease.Release()

	_, err = h.svc.Rebuild(ctx, export.ID)
	requireProblem(t, err, services.KindBusy)
}
