// Package transfer is the bounded-retry poller that watches an external
// render until it finishes, then copies the artifact from the engine's CDN to
// owned storage exactly once and writes the durable URL back to the
// system-of-record.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clipforge/renderbridge/internal/db"
	"github.com/clipforge/renderbridge/internal/models"
	"github.com/clipforge/renderbridge/internal/renderer"
)

const (
	// InitialDelay is how long after submission the first status check runs.
	// The engine needs minimum processing time before polling is useful.
	InitialDelay = 30 * time.Second

	// MaxAttempts bounds polling at roughly ten cumulative minutes.
	MaxAttempts = 20

	contentType = "video/mp4"
)

// PollDelay returns the wait before the next status check. Attempts are
// 1-indexed: 1–5 wait 30s, 6–10 wait 60s, 11+ wait 120s.
func PollDelay(attempt int) time.Duration {
	switch {
	case attempt <= 5:
		return 30 * time.Second
	case attempt <= 10:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

// Store is the system-of-record surface the machine mutates.
type Store interface {
	GetRenderRequest(ctx context.Context, jobID string) (*models.RenderRequest, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	SetVideoURL(ctx context.Context, jobID, videoURL string) error
	SetTransferState(ctx context.Context, jobID string, status models.TransferStatus, attempts int) error
}

// Engine is the render-engine surface the machine polls and downloads from.
type Engine interface {
	Status(ctx context.Context, renderID string) (*renderer.RenderStatus, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// ObjectStore is the owned-storage surface artifacts are copied into.
type ObjectStore interface {
	ObjectPath(userID, jobID string, createdAt time.Time) string
	PublicURL(path string) string
	Exists(ctx context.Context, path string) (bool, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

// Outcome is the result of one machine step. RetryIn > 0 means the step was
// not terminal and the caller should reschedule the same job with the next
// attempt number after that delay; otherwise Result holds the terminal state.
type Outcome struct {
	Result  models.TransferResult
	RetryIn time.Duration
}

type Machine struct {
	store   Store
	engine  Engine
	objects ObjectStore
}

func New(store Store, engine Engine, objects ObjectStore) *Machine {
	return &Machine{store: store, engine: engine, objects: objects}
}

// Poll runs one step of the state machine for a job. It never returns an
// error for conditions the machine itself handles (engine down, render still
// in progress, copy failure) — those become retries or terminal states in the
// Outcome. Only context cancellation surfaces as an error.
func (m *Machine) Poll(ctx context.Context, p models.TransferPayload) (Outcome, error) {
	attempt := p.Attempt
	if attempt < 1 {
		attempt = 1
	}

	row, err := m.store.GetRenderRequest(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, db.ErrRenderNotFound) {
			return m.fail(ctx, p, attempt, "render request row missing"), nil
		}
		// Storage blip — retry rather than give up on a live job.
		return m.retryOrTimeout(ctx, p, attempt, fmt.Sprintf("failed to load render request: %v", err))
	}

	status, err := m.engine.Status(ctx, p.RenderID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Printf("[Transfer] Status check failed for job %s (attempt %d/%d): %v", p.JobID, attempt, MaxAttempts, err)
		if attempt >= MaxAttempts {
			return m.fail(ctx, p, attempt, fmt.Sprintf("status check failed after %d attempts: %v", attempt, err)), nil
		}
		return m.reschedule(ctx, p, attempt)
	}

	switch status.Status {
	case renderer.StatusDone:
		return m.transferArtifact(ctx, p, attempt, row, status), nil

	case renderer.StatusFailed:
		reason := status.Error
		if reason == "" {
			reason = "render engine reported failure"
		}
		log.Printf("[Transfer] Job %s failed at the engine: %s", p.JobID, reason)
		if err := m.store.MarkFailed(ctx, p.JobID, reason); err != nil {
			log.Printf("[Transfer] Failed to mark job %s failed: %v", p.JobID, err)
		}
		return m.fail(ctx, p, attempt, reason), nil

	default:
		// Known in-progress values and anything unrecognized: the engine's
		// status vocabulary may evolve, unknown is never fatal.
		if attempt >= MaxAttempts {
			log.Printf("[Transfer] Job %s still %q after %d attempts, giving up", p.JobID, status.Status, attempt)
			return m.timeout(ctx, p, attempt), nil
		}
		return m.reschedule(ctx, p, attempt)
	}
}

// transferArtifact handles the terminal-success branch: probe the canonical
// path, copy only if absent, and persist the durable URL.
func (m *Machine) transferArtifact(ctx context.Context, p models.TransferPayload, attempt int, row *models.RenderRequest, status *renderer.RenderStatus) Outcome {
	if err := m.store.MarkCompleted(ctx, p.JobID); err != nil {
		log.Printf("[Transfer] Failed to mark job %s completed: %v", p.JobID, err)
	}

	path := m.objects.ObjectPath(p.UserID, p.JobID, row.CreatedAt)

	exists, err := m.objects.Exists(ctx, path)
	if err != nil {
		return m.fail(ctx, p, attempt, fmt.Sprintf("existence probe failed: %v", err))
	}

	if !exists {
		if status.URL == "" {
			return m.fail(ctx, p, attempt, "engine reported done but returned no artifact URL")
		}

		data, err := m.engine.Download(ctx, status.URL)
		if err != nil {
			return m.fail(ctx, p, attempt, fmt.Sprintf("artifact download failed: %v", err))
		}

		if err := m.objects.Upload(ctx, path, data, contentType); err != nil {
			return m.fail(ctx, p, attempt, fmt.Sprintf("artifact upload failed: %v", err))
		}
		log.Printf("[Transfer] Copied artifact for job %s to %s (%d bytes)", p.JobID, path, len(data))
	} else {
		log.Printf("[Transfer] Artifact for job %s already present at %s, skipping copy", p.JobID, path)
	}

	url := m.objects.PublicURL(path)
	if err := m.store.SetVideoURL(ctx, p.JobID, url); err != nil {
		return m.fail(ctx, p, attempt, fmt.Sprintf("failed to persist video URL: %v", err))
	}
	if err := m.store.SetTransferState(ctx, p.JobID, models.TransferStatusCompleted, attempt); err != nil {
		log.Printf("[Transfer] Failed to record transfer completion for job %s: %v", p.JobID, err)
	}

	log.Printf("[Transfer] Job %s transfer completed after %d attempt(s): %s", p.JobID, attempt, url)
	return Outcome{Result: models.TransferResult{
		Status:      models.TransferStatusCompleted,
		JobID:       p.JobID,
		RenderID:    p.RenderID,
		VideoURL:    url,
		Attempts:    attempt,
		ProcessedAt: time.Now(),
	}}
}

func (m *Machine) reschedule(ctx context.Context, p models.TransferPayload, attempt int) (Outcome, error) {
	if err := m.store.SetTransferState(ctx, p.JobID, models.TransferStatusInProgress, attempt); err != nil {
		log.Printf("[Transfer] Failed to record attempt %d for job %s: %v", attempt, p.JobID, err)
	}
	return Outcome{RetryIn: PollDelay(attempt)}, nil
}

// retryOrTimeout is reschedule with a timeout floor, for pre-poll errors.
func (m *Machine) retryOrTimeout(ctx context.Context, p models.TransferPayload, attempt int, reason string) (Outcome, error) {
	if attempt >= MaxAttempts {
		return m.fail(ctx, p, attempt, reason), nil
	}
	log.Printf("[Transfer] Job %s attempt %d: %s, will retry", p.JobID, attempt, reason)
	return Outcome{RetryIn: PollDelay(attempt)}, nil
}

func (m *Machine) fail(ctx context.Context, p models.TransferPayload, attempt int, reason string) Outcome {
	if err := m.store.SetTransferState(ctx, p.JobID, models.TransferStatusFailed, attempt); err != nil {
		log.Printf("[Transfer] Failed to record transfer failure for job %s: %v", p.JobID, err)
	}
	log.Printf("[Transfer] Job %s transfer failed after %d attempt(s): %s", p.JobID, attempt, reason)
	return Outcome{Result: models.TransferResult{
		Status:      models.TransferStatusFailed,
		JobID:       p.JobID,
		RenderID:    p.RenderID,
		Error:       reason,
		Attempts:    attempt,
		ProcessedAt: time.Now(),
	}}
}

func (m *Machine) timeout(ctx context.Context, p models.TransferPayload, attempt int) Outcome {
	if err := m.store.SetTransferState(ctx, p.JobID, models.TransferStatusTimeout, attempt); err != nil {
		log.Printf("[Transfer] Failed to record transfer timeout for job %s: %v", p.JobID, err)
	}
	return Outcome{Result: models.TransferResult{
		Status:      models.TransferStatusTimeout,
		JobID:       p.JobID,
		RenderID:    p.RenderID,
		Error:       fmt.Sprintf("render not finished after %d polling attempts", attempt),
		Attempts:    attempt,
		ProcessedAt: time.Now(),
	}}
}
