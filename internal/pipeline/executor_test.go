package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/metadata"
	"photopipe/internal/queue"
	"photopipe/internal/services"
	"photopipe/internal/services/exiftool"
	"photopipe/internal/services/vision"
	"photopipe/internal/storage"
	"photopipe/internal/testsupport"
)

type fakeVision struct {
	analyzeErr error
	analyzed   int
	document   metadata.Document
}

func (f *fakeVision) Analyze(_ context.Context, req vision.AnalyzeRequest) (vision.AnalyzeResult, error) {
	f.analyzed++
	if f.analyzeErr != nil {
		return vision.AnalyzeResult{}, f.analyzeErr
	}
	return vision.AnalyzeResult{
		Analysis: vision.Analysis{Caption: "Runner at the finish line", Keywords: []string{"race"}, PeopleCount: 1},
		Usage:    vision.Usage{ModelID: "test-model", PromptVersion: "v1", TokensUsed: 42, ProcessingMS: 7},
	}, nil
}

func (f *fakeVision) Synthesize(_ context.Context, req vision.SynthesizeRequest) (vision.SynthesizeResult, error) {
	doc := f.document
	if doc.Title == "" {
		doc = metadata.Document{Title: req.Analysis.Caption, Description: "A runner crossing the line", Keywords: req.Analysis.Keywords}
	}
	return vision.SynthesizeResult{Document: doc, Usage: vision.Usage{ModelID: "test-model", PromptVersion: "v1", TokensUsed: 10}}, nil
}

type fakeWriter struct {
	mu       sync.Mutex
	existing exiftool.Existing
	readErr  error
	written  []metadata.Document
	mismatch bool
}

func (f *fakeWriter) ReadExisting(context.Context, string) (exiftool.Existing, error) {
	return f.existing, f.readErr
}

func (f *fakeWriter) Write(_ context.Context, sourcePath, outputPath string, doc metadata.Document) (exiftool.WriteResult, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return exiftool.WriteResult{}, services.Wrap(services.ErrNotFound, "embed-metadata", "write", "source file missing", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return exiftool.WriteResult{}, err
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return exiftool.WriteResult{}, err
	}
	f.mu.Lock()
	f.written = append(f.written, doc)
	f.mu.Unlock()
	return exiftool.WriteResult{FieldsWritten: 5}, nil
}

func (f *fakeWriter) Verify(context.Context, string, metadata.Document) (exiftool.VerifyResult, error) {
	if f.mismatch {
		return exiftool.VerifyResult{Mismatched: []string{"title"}}, nil
	}
	return exiftool.VerifyResult{Verified: true}, nil
}

type fakeObjects struct {
	available bool
	uploadErr error
	uploaded  []string
}

func (f *fakeObjects) Available(context.Context) bool { return f.available }

func (f *fakeObjects) Upload(_ context.Context, _ string, key string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, key)
	return storage.ObjectLocator(key), nil
}

func (f *fakeObjects) Download(context.Context, string, string) error { return nil }

func (f *fakeObjects) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (f *fakeObjects) Delete(context.Context, string) error { return nil }

// progressStore records every progress value the executor reports.
type progressStore struct {
	*jobstore.Store
	mu     sync.Mutex
	values []int
}

func (p *progressStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	p.mu.Lock()
	p.values = append(p.values, progress)
	p.mu.Unlock()
	return p.Store.UpdateJobProgress(ctx, id, progress)
}

func fakePrepare(string, int) ([]byte, string, error) {
	return []byte("jpeg-bytes"), "image/jpeg", nil
}

type fixture struct {
	cfg     *config.Config
	store   *progressStore
	vision  *fakeVision
	writer  *fakeWriter
	objects *fakeObjects
	exec    *Executor
	project *jobstore.Project
	asset   *jobstore.Asset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := &progressStore{Store: testsupport.MustOpenStore(t, cfg)}
	project := testsupport.NewProject(t, store.Store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store.Store, project, "finish.jpg", 2048)
	_, err := store.UpsertProfile(context.Background(), jobstore.ScopeProject, project.ID, metadata.Profile{
		CreatorName:  "Dana Reyes",
		JobTitle:     "Staff Photographer",
		ContactEmail: "dana@example.com",
		City:         "Portland",
	})
	require.NoError(t, err)

	f := &fixture{
		cfg:     cfg,
		store:   store,
		vision:  &fakeVision{},
		writer:  &fakeWriter{},
		objects: &fakeObjects{available: true},
		project: project,
		asset:   asset,
	}
	f.exec = New(cfg, store, f.vision, f.writer, f.objects, logging.NewNop(), WithImagePreparer(fakePrepare))
	return f
}

func (f *fixture) submit(t *testing.T, jobType jobstore.JobType) *jobstore.Job {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), jobstore.NewJob{
		AssetID:   f.asset.ID,
		ProjectID: f.project.ID,
		UserID:    f.project.UserID,
		Type:      jobType,
	})
	require.NoError(t, err)
	return job
}

func delivery(job *jobstore.Job) queue.Delivery {
	return queue.Delivery{Task: queue.Task{Queue: queue.Process, ID: job.ID, AssetID: job.AssetID}, Attempt: 1, Final: true}
}

func TestRunFullPipelineCompletes(t *testing.T) {
	f := newFixture(t)
	f.writer.existing = exiftool.Existing{Creator: "Dana Reyes", CameraMake: "Canon"}
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)

	asset, err := f.store.GetAsset(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.AssetCompleted, asset.Status)
	assert.FileExists(t, asset.EmbeddedPath)
	assert.Equal(t, "objstore://embedded/"+f.project.ID+"/"+f.asset.ID+".jpg", asset.EmbeddedLocator)

	links, err := f.store.GetJobResults(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, links)
	assert.NotEmpty(t, links.VisionResultID)
	assert.NotEmpty(t, links.MetadataResultID)
	assert.NotEmpty(t, links.EmbedResultID)

	require.Len(t, f.writer.written, 1)
	assert.Equal(t, "Dana Reyes", f.writer.written[0].Creator, "original work keeps its creator credit")
	assert.Equal(t, "Portland", f.writer.written[0].City)
}

func TestRunAuditTrailOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)
	require.NoError(t, f.exec.Run(ctx, delivery(job)))

	events, err := f.store.ListAudit(ctx, f.asset.ID)
	require.NoError(t, err)
	var got []string
	for _, e := range events {
		got = append(got, e.Stage+":"+e.Event)
	}
	assert.Equal(t, []string{
		"ingest-classify:started", "ingest-classify:completed",
		"vision-analyze:started", "vision-analyze:completed",
		"synthesize-metadata:started", "synthesize-metadata:completed",
		"authorship-filter:started", "authorship-filter:completed",
		"embed-metadata:started", "embed-metadata:completed",
		"upload-persist:started", "upload-persist:completed",
		"pipeline:completed",
	}, got)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, jobstore.JobTypeFull)
	require.NoError(t, f.exec.Run(context.Background(), delivery(job)))

	require.NotEmpty(t, f.store.values)
	for i := 1; i < len(f.store.values); i++ {
		assert.GreaterOrEqual(t, f.store.values[i], f.store.values[i-1])
	}
}

func TestRunThirdPartyStripsCreatorCredit(t *testing.T) {
	f := newFixture(t)
	f.writer.existing = exiftool.Existing{Creator: "Someone Else", Copyright: "(c) Wire Service"}
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))

	authorship, err := f.store.LatestAuthorship(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.AuthorshipThirdParty, authorship.Classification.Status)

	result, err := f.store.LatestMetadataResult(ctx, f.asset.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Filtered)
	assert.False(t, result.Filtered.HasCreatorCredit())
	assert.Contains(t, result.RemovedFields, metadata.FieldCreator)
	assert.Equal(t, "Dana Reyes", result.Document.Creator, "unfiltered document is kept for review")

	require.Len(t, f.writer.written, 1)
	assert.False(t, f.writer.written[0].HasCreatorCredit())
}

func TestRunUnreadableMetadataNeverUpgrades(t *testing.T) {
	f := newFixture(t)
	f.writer.existing = exiftool.Existing{Creator: "Dana Reyes"}
	f.writer.readErr = errors.New("exiftool exploded")
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeVisionOnly)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))

	authorship, err := f.store.LatestAuthorship(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.AuthorshipUncertain, authorship.Classification.Status)
}

func TestRunVisionFailureMarksJobAndAssetFailed(t *testing.T) {
	f := newFixture(t)
	f.vision.analyzeErr = services.Wrap(services.ErrExternalTool, "vision-analyze", "analyze", "model unavailable", nil)
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)

	err := f.exec.Run(ctx, delivery(job))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrExternalTool)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "model unavailable")
	assert.Equal(t, 10, stored.Progress)

	asset, err := f.store.GetAsset(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.AssetFailed, asset.Status)

	events, err := f.store.ListAudit(ctx, f.asset.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "vision-analyze", last.Stage)
	assert.Equal(t, "failed", last.Event)
	assert.Empty(t, f.writer.written)
}

func TestRunStorageFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.objects.uploadErr = errors.New("bucket on fire")
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))

	asset, err := f.store.GetAsset(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.AssetCompleted, asset.Status)
	assert.Empty(t, asset.EmbeddedLocator)
	assert.FileExists(t, asset.EmbeddedPath)
}

func TestRunWithoutStorageSkipsUpload(t *testing.T) {
	f := newFixture(t)
	f.objects.available = false
	job := f.submit(t, jobstore.JobTypeFull)

	require.NoError(t, f.exec.Run(context.Background(), delivery(job)))
	assert.Empty(t, f.objects.uploaded)
}

func TestRunMissingProfileFailsSynthesis(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-2")
	asset := testsupport.NewAsset(t, cfg, store, project, "noprofile.jpg", 512)
	exec := New(cfg, store, &fakeVision{}, &fakeWriter{}, nil, logging.NewNop(), WithImagePreparer(fakePrepare))
	ctx := context.Background()
	job, err := store.CreateJob(ctx, jobstore.NewJob{AssetID: asset.ID, ProjectID: project.ID, UserID: project.UserID, Type: jobstore.JobTypeFull})
	require.NoError(t, err)

	err = exec.Run(ctx, delivery(job))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobFailed, stored.Status)
	assert.Equal(t, 40, stored.Progress, "ingest and vision finished before synthesis failed")
}

func TestRunUserProfileFallback(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-3")
	asset := testsupport.NewAsset(t, cfg, store, project, "fallback.jpg", 512)
	ctx := context.Background()
	_, err := store.UpsertProfile(ctx, jobstore.ScopeUser, "user-3", metadata.Profile{CreatorName: "Lee Park"})
	require.NoError(t, err)
	writer := &fakeWriter{existing: exiftool.Existing{Creator: "Lee Park"}}
	exec := New(cfg, store, &fakeVision{}, writer, nil, logging.NewNop(), WithImagePreparer(fakePrepare))
	job, err := store.CreateJob(ctx, jobstore.NewJob{AssetID: asset.ID, ProjectID: project.ID, UserID: project.UserID, Type: jobstore.JobTypeFull})
	require.NoError(t, err)

	require.NoError(t, exec.Run(ctx, delivery(job)))
	require.Len(t, writer.written, 1)
	assert.Equal(t, "Lee Park", writer.written[0].Creator)
}

func TestRunPartialJobTypesReuseStoredResults(t *testing.T) {
	f := newFixture(t)
	f.writer.existing = exiftool.Existing{Creator: "Dana Reyes"}
	ctx := context.Background()

	vOnly := f.submit(t, jobstore.JobTypeVisionOnly)
	require.NoError(t, f.exec.Run(ctx, delivery(vOnly)))
	asset, err := f.store.GetAsset(ctx, f.asset.ID)
	require.NoError(t, err)
	assert.Empty(t, asset.EmbeddedPath)

	synth := f.submit(t, jobstore.JobTypeSynthesisOnly)
	require.NoError(t, f.exec.Run(ctx, delivery(synth)))
	assert.Equal(t, 1, f.vision.analyzed, "synthesis reuses the stored analysis")

	embed := f.submit(t, jobstore.JobTypeEmbedOnly)
	require.NoError(t, f.exec.Run(ctx, delivery(embed)))
	require.Len(t, f.writer.written, 1)
	assert.Equal(t, "Dana Reyes", f.writer.written[0].Creator)

	links, err := f.store.GetJobResults(ctx, embed.ID)
	require.NoError(t, err)
	require.NotNil(t, links)
	assert.NotEmpty(t, links.EmbedResultID)
}

func TestRunSynthesisOnlyWithoutAnalysisFails(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, jobstore.JobTypeSynthesisOnly)

	err := f.exec.Run(context.Background(), delivery(job))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestRunSkipsCompletedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeVisionOnly)
	require.NoError(t, f.exec.Run(ctx, delivery(job)))
	require.Equal(t, 1, f.vision.analyzed)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))
	assert.Equal(t, 1, f.vision.analyzed)
}

func TestRunBrokerRetryYieldsToResubmittedJob(t *testing.T) {
	f := newFixture(t)
	f.vision.analyzeErr = services.Wrap(services.ErrTransient, "vision-analyze", "analyze", "rate limited", nil)
	ctx := context.Background()
	old := f.submit(t, jobstore.JobTypeVisionOnly)
	first := delivery(old)
	first.Final = false
	require.Error(t, f.exec.Run(ctx, first))

	fresh := f.submit(t, jobstore.JobTypeVisionOnly)
	started, err := f.store.MarkJobStarted(ctx, fresh.ID, false)
	require.NoError(t, err)
	require.True(t, started)

	f.vision.analyzeErr = nil
	calls := f.vision.analyzed
	retry := delivery(old)
	retry.Attempt = 2
	require.NoError(t, f.exec.Run(ctx, retry))
	assert.Equal(t, calls, f.vision.analyzed)

	stored, err := f.store.GetJob(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobFailed, stored.Status)
}

func TestRunMissingJob(t *testing.T) {
	f := newFixture(t)
	err := f.exec.Run(context.Background(), queue.Delivery{Task: queue.Task{Queue: queue.Process, ID: "missing"}, Attempt: 1})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRunVerifyMismatchIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.writer.mismatch = true
	ctx := context.Background()
	job := f.submit(t, jobstore.JobTypeFull)

	require.NoError(t, f.exec.Run(ctx, delivery(job)))
	result, err := f.store.LatestEmbedResult(ctx, f.asset.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Verified)
	assert.Equal(t, 5, result.FieldsWritten)
}
