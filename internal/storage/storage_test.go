package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(endpoint string) *Storage {
	return New(endpoint, "test-token", "test-bucket", "videos")
}

func TestObjectPath(t *testing.T) {
	s := testStorage("")
	createdAt := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	path := s.ObjectPath("u1", "job-1", createdAt)
	assert.Equal(t, "videos/2026/03/user_u1/video_job-1.mp4", path)
}

func TestLegacyPaths(t *testing.T) {
	s := testStorage("")
	createdAt := time.Date(2026, 11, 20, 10, 0, 0, 0, time.UTC)

	paths := s.LegacyPaths("u1", "job-1", createdAt)
	assert.Equal(t, []string{
		"videos/2026/11/user_u1/video_job-1_000.mp4",
		"videos/2026/11/user_u1/job-1.mp4",
	}, paths)
}

func TestPublicURL(t *testing.T) {
	// Public URLs always point at the public host even when the API endpoint
	// is overridden for testing.
	s := testStorage("http://localhost:9999")
	assert.Equal(t,
		"https://storage.googleapis.com/test-bucket/videos/2026/03/user_u1/video_job-1.mp4",
		s.PublicURL("videos/2026/03/user_u1/video_job-1.mp4"),
	)
}

func TestUpload(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "/test-bucket/videos/v.mp4", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testStorage(srv.URL)
	err := s.Upload(context.Background(), "videos/v.mp4", []byte("data"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "video/mp4", gotContentType)
}

func TestUploadRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testStorage(srv.URL)
	err := s.Upload(context.Background(), "videos/v.mp4", []byte("data"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUploadDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := testStorage(srv.URL)
	err := s.Upload(context.Background(), "videos/v.mp4", []byte("data"), "video/mp4")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "HEAD", r.Method)
		if r.URL.Path == "/test-bucket/videos/present.mp4" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := testStorage(srv.URL)
	ctx := context.Background()

	present, err := s.Exists(ctx, "videos/present.mp4")
	require.NoError(t, err)
	assert.True(t, present)

	present, err = s.Exists(ctx, "videos/absent.mp4")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	s := testStorage(srv.URL)
	data, err := s.Download(context.Background(), "videos/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("video-bytes"), data)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	assert.GreaterOrEqual(t, retryDelay(1), 1*time.Second)
	assert.Less(t, retryDelay(1), 2*time.Second)

	assert.GreaterOrEqual(t, retryDelay(3), 4*time.Second)

	// Large attempts cap at maxRetryDelay plus jitter
	assert.LessOrEqual(t, retryDelay(10), maxRetryDelay+maxRetryDelay/4)
}
