package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/renderbridge/internal/db"
	"github.com/clipforge/renderbridge/internal/models"
	"github.com/clipforge/renderbridge/internal/renderer"
)

type fakeStore struct {
	row *models.RenderRequest

	completed      []string
	failed         map[string]string
	videoURLs      map[string]string
	transferStates map[string]models.TransferStatus
	attempts       map[string]int
}

func newFakeStore(row *models.RenderRequest) *fakeStore {
	return &fakeStore{
		row:            row,
		failed:         make(map[string]string),
		videoURLs:      make(map[string]string),
		transferStates: make(map[string]models.TransferStatus),
		attempts:       make(map[string]int),
	}
}

func (f *fakeStore) GetRenderRequest(ctx context.Context, jobID string) (*models.RenderRequest, error) {
	if f.row == nil {
		return nil, db.ErrRenderNotFound
	}
	return f.row, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	f.failed[jobID] = errorMessage
	return nil
}

func (f *fakeStore) SetVideoURL(ctx context.Context, jobID, videoURL string) error {
	f.videoURLs[jobID] = videoURL
	return nil
}

func (f *fakeStore) SetTransferState(ctx context.Context, jobID string, status models.TransferStatus, attempts int) error {
	f.transferStates[jobID] = status
	f.attempts[jobID] = attempts
	return nil
}

type fakeEngine struct {
	status    *renderer.RenderStatus
	statusErr error

	downloadData []byte
	downloadErr  error
	downloads    int
}

func (f *fakeEngine) Status(ctx context.Context, renderID string) (*renderer.RenderStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeEngine) Download(ctx context.Context, url string) ([]byte, error) {
	f.downloads++
	return f.downloadData, f.downloadErr
}

type fakeObjects struct {
	present   bool
	existsErr error
	uploadErr error
	uploads   map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: make(map[string][]byte)}
}

func (f *fakeObjects) ObjectPath(userID, jobID string, createdAt time.Time) string {
	return "videos/2026/08/user_" + userID + "/video_" + jobID + ".mp4"
}

func (f *fakeObjects) PublicURL(path string) string {
	return "https://storage.googleapis.com/test-bucket/" + path
}

func (f *fakeObjects) Exists(ctx context.Context, path string) (bool, error) {
	return f.present, f.existsErr
}

func (f *fakeObjects) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads[path] = data
	return nil
}

func testPayload(attempt int) models.TransferPayload {
	return models.TransferPayload{
		JobID:    "job-1",
		UserID:   "u1",
		RenderID: "render-1",
		Attempt:  attempt,
	}
}

func testRow() *models.RenderRequest {
	return &models.RenderRequest{
		JobID:     "job-1",
		UserID:    "u1",
		Status:    models.RenderStatusSubmitted,
		CreatedAt: time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestPollDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{3, 30 * time.Second},
		{5, 30 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{10, 60 * time.Second},
		{11, 120 * time.Second},
		{15, 120 * time.Second},
		{19, 120 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PollDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPollInProgressReschedules(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{status: &renderer.RenderStatus{Status: renderer.StatusRendering}}
	m := New(store, engine, newFakeObjects())

	outcome, err := m.Poll(context.Background(), testPayload(3))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, outcome.RetryIn)
	assert.Equal(t, models.TransferStatusInProgress, store.transferStates["job-1"])
	assert.Equal(t, 3, store.attempts["job-1"])
}

func TestPollUnknownStatusTreatedAsInProgress(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{status: &renderer.RenderStatus{Status: "transcoding-v2"}}
	m := New(store, engine, newFakeObjects())

	outcome, err := m.Poll(context.Background(), testPayload(7))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, outcome.RetryIn)
}

func TestPollExhaustionTransitionsToTimeout(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{status: &renderer.RenderStatus{Status: renderer.StatusQueued}}
	m := New(store, engine, newFakeObjects())

	outcome, err := m.Poll(context.Background(), testPayload(21))
	require.NoError(t, err)

	assert.Zero(t, outcome.RetryIn, "attempt past the maximum must not reschedule")
	assert.Equal(t, models.TransferStatusTimeout, outcome.Result.Status)
	assert.Equal(t, models.TransferStatusTimeout, store.transferStates["job-1"])
}

func TestPollDoneCopiesArtifact(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{
		status:       &renderer.RenderStatus{Status: renderer.StatusDone, URL: "https://cdn.example/render-1.mp4"},
		downloadData: []byte("video-bytes"),
	}
	objects := newFakeObjects()
	m := New(store, engine, objects)

	outcome, err := m.Poll(context.Background(), testPayload(2))
	require.NoError(t, err)

	assert.Equal(t, models.TransferStatusCompleted, outcome.Result.Status)
	assert.Equal(t, 1, engine.downloads)

	path := "videos/2026/08/user_u1/video_job-1.mp4"
	assert.Equal(t, []byte("video-bytes"), objects.uploads[path])

	wantURL := "https://storage.googleapis.com/test-bucket/" + path
	assert.Equal(t, wantURL, store.videoURLs["job-1"])
	assert.Equal(t, wantURL, outcome.Result.VideoURL)
	assert.Contains(t, store.completed, "job-1")
}

func TestPollDoneSkipsCopyWhenPresent(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{
		status: &renderer.RenderStatus{Status: renderer.StatusDone, URL: "https://cdn.example/render-1.mp4"},
	}
	objects := newFakeObjects()
	objects.present = true
	m := New(store, engine, objects)

	outcome, err := m.Poll(context.Background(), testPayload(4))
	require.NoError(t, err)

	assert.Equal(t, models.TransferStatusCompleted, outcome.Result.Status)
	assert.Zero(t, engine.downloads, "present artifact must never be re-downloaded")
	assert.Empty(t, objects.uploads, "present artifact must never be re-uploaded")
	assert.NotEmpty(t, store.videoURLs["job-1"], "URL must still be written back")
}

func TestPollDoneUploadFailureIsTerminal(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{
		status:       &renderer.RenderStatus{Status: renderer.StatusDone, URL: "https://cdn.example/render-1.mp4"},
		downloadData: []byte("video-bytes"),
	}
	objects := newFakeObjects()
	objects.uploadErr = errors.New("bucket unavailable")
	m := New(store, engine, objects)

	outcome, err := m.Poll(context.Background(), testPayload(2))
	require.NoError(t, err)

	assert.Zero(t, outcome.RetryIn)
	assert.Equal(t, models.TransferStatusFailed, outcome.Result.Status)
	assert.Contains(t, outcome.Result.Error, "upload failed")
	assert.Empty(t, store.videoURLs)
}

func TestPollEngineFailureIsTerminal(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{status: &renderer.RenderStatus{Status: renderer.StatusFailed, Error: "asset 404"}}
	m := New(store, engine, newFakeObjects())

	outcome, err := m.Poll(context.Background(), testPayload(2))
	require.NoError(t, err)

	assert.Zero(t, outcome.RetryIn)
	assert.Equal(t, models.TransferStatusFailed, outcome.Result.Status)
	assert.Equal(t, "asset 404", store.failed["job-1"])
}

func TestPollStatusErrorRetriesThenFails(t *testing.T) {
	store := newFakeStore(testRow())
	engine := &fakeEngine{statusErr: errors.New("connection refused")}
	m := New(store, engine, newFakeObjects())
	ctx := context.Background()

	outcome, err := m.Poll(ctx, testPayload(4))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, outcome.RetryIn)

	outcome, err = m.Poll(ctx, testPayload(MaxAttempts))
	require.NoError(t, err)
	assert.Zero(t, outcome.RetryIn)
	assert.Equal(t, models.TransferStatusFailed, outcome.Result.Status)
}

func TestPollMissingRowIsTerminal(t *testing.T) {
	store := newFakeStore(nil)
	engine := &fakeEngine{status: &renderer.RenderStatus{Status: renderer.StatusDone}}
	m := New(store, engine, newFakeObjects())

	outcome, err := m.Poll(context.Background(), testPayload(1))
	require.NoError(t, err)

	assert.Zero(t, outcome.RetryIn)
	assert.Equal(t, models.TransferStatusFailed, outcome.Result.Status)
}
