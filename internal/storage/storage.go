// Package storage is the owned object store client. Artifacts copied here
// outlive the render engine's short-lived CDN links, so every public URL the
// service hands out points at this store.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	// Upload timeout per attempt — generous for multi-hundred-MB videos
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	// Probe timeout for existence checks
	probeTimeout = 15 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// publicHost is where publicly readable objects are served from.
const publicHost = "https://storage.googleapis.com"

type Storage struct {
	endpoint    string // object API endpoint, normally publicHost
	accessToken string
	Bucket      string
	Prefix      string // top-level folder for artifacts, e.g. "videos"
	client      *http.Client
}

func New(endpoint, accessToken, bucket, prefix string) *Storage {
	if endpoint == "" {
		endpoint = publicHost
	}
	return &Storage{
		endpoint:    strings.TrimRight(endpoint, "/"),
		accessToken: accessToken,
		Bucket:      bucket,
		Prefix:      strings.Trim(prefix, "/"),
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Storage) objectURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.Bucket, path)
}

// ObjectPath builds the canonical object path for a job's artifact:
// {prefix}/{yyyy}/{mm}/user_{userID}/video_{jobID}.mp4
// The year/month come from the job's creation time so the path is stable
// across retries and reconciliation sweeps.
func (s *Storage) ObjectPath(userID, jobID string, createdAt time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/user_%s/video_%s.mp4",
		s.Prefix, createdAt.Year(), int(createdAt.Month()), userID, jobID)
}

// LegacyPaths returns older path layouts an artifact may live under.
// Reconciliation probes these after the canonical path misses.
func (s *Storage) LegacyPaths(userID, jobID string, createdAt time.Time) []string {
	dir := fmt.Sprintf("%s/%04d/%02d/user_%s", s.Prefix, createdAt.Year(), int(createdAt.Month()), userID)
	return []string{
		fmt.Sprintf("%s/video_%s_000.mp4", dir, jobID),
		fmt.Sprintf("%s/%s.mp4", dir, jobID),
	}
}

// PublicURL returns the public download URL for an object path.
func (s *Storage) PublicURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", publicHost, s.Bucket, path)
}

// Upload writes an object with retries and exponential backoff. Re-uploading
// to the same path overwrites, so callers can safely retry a whole transfer.
func (s *Storage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	url := s.objectURL(path)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Upload retry %d/%d for %s (waiting %v)...", attempt, maxRetries, path, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own generous timeout, independent of caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)

		req, err := http.NewRequestWithContext(uploadCtx, "PUT", url, bytes.NewReader(data))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.accessToken)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				log.Printf("[Storage] Upload attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 0 {
				log.Printf("[Storage] Upload succeeded on attempt %d for %s", attempt+1, path)
			}
			return nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Upload attempt %d returned status %d (retryable): %s", attempt+1, resp.StatusCode, truncate(string(body), 200))
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return lastErr
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Download reads an object with retries.
func (s *Storage) Download(ctx context.Context, path string) ([]byte, error) {
	url := s.objectURL(path)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Download retry %d/%d for %s (waiting %v)...", attempt, maxRetries, path, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)

		req, err := http.NewRequestWithContext(dlCtx, "GET", url, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.accessToken)

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to download: %w", err)
			if isRetryableError(err) {
				log.Printf("[Storage] Download attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			if err != nil {
				lastErr = fmt.Errorf("failed to read download body: %w", err)
				log.Printf("[Storage] Download attempt %d read failed: %v", attempt+1, err)
				continue
			}
			return data, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		lastErr = fmt.Errorf("download failed with status %d: %s", resp.StatusCode, string(body))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Download attempt %d returned status %d (retryable)", attempt+1, resp.StatusCode)
			continue
		}

		return nil, lastErr
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Exists probes whether an object is present without fetching its body.
// A 404 is a definitive no; transport errors are retried, then surfaced so
// callers don't mistake an outage for a missing artifact.
func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	url := s.objectURL(path)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			select {
			case <-ctx.Done():
				return false, fmt.Errorf("existence probe cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)

		req, err := http.NewRequestWithContext(probeCtx, "HEAD", url, nil)
		if err != nil {
			cancel()
			return false, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.accessToken)

		resp, err := s.client.Do(req)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("existence probe failed: %w", err)
			if isRetryableError(err) {
				continue
			}
			return false, lastErr
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return true, nil
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case isRetryableStatus(resp.StatusCode):
			lastErr = fmt.Errorf("existence probe returned status %d", resp.StatusCode)
			continue
		default:
			return false, fmt.Errorf("existence probe returned status %d", resp.StatusCode)
		}
	}

	return false, fmt.Errorf("existence probe failed after %d attempts: %w", maxRetries+1, lastErr)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
