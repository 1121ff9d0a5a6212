package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipforge/renderbridge/internal/models"
)

var ErrRenderNotFound = fmt.Errorf("render request not found")

const renderColumns = `
	job_id, user_id, batch_id, status, render_id, video_url,
	tokens_consumed, duration_seconds, webhook, error_message,
	refund_issued, is_expired, transfer_status, attempts,
	created_at, updated_at
`

func scanRender(row interface{ Scan(...interface{}) error }) (*models.RenderRequest, error) {
	r := &models.RenderRequest{}
	err := row.Scan(
		&r.JobID, &r.UserID, &r.BatchID, &r.Status, &r.RenderID, &r.VideoURL,
		&r.TokensConsumed, &r.DurationSeconds, &r.Webhook, &r.ErrorMessage,
		&r.RefundIssued, &r.IsExpired, &r.TransferStatus, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (db *DB) CreateRenderRequest(ctx context.Context, r *models.RenderRequest) error {
	query := `
		INSERT INTO render_requests (
			job_id, user_id, batch_id, status, tokens_consumed,
			duration_seconds, webhook, transfer_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		r.JobID, r.UserID, r.BatchID, r.Status, r.TokensConsumed,
		r.DurationSeconds, r.Webhook, r.TransferStatus,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (db *DB) GetRenderRequest(ctx context.Context, jobID string) (*models.RenderRequest, error) {
	query := `SELECT ` + renderColumns + ` FROM render_requests WHERE job_id = $1`

	r, err := scanRender(db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrRenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render request: %w", err)
	}
	return r, nil
}

// GetBatchRenderRequests returns every member of a batch ordered by the
// zero-padded member suffix embedded in the job id.
func (db *DB) GetBatchRenderRequests(ctx context.Context, batchID string) ([]models.RenderRequest, error) {
	query := `SELECT ` + renderColumns + ` FROM render_requests WHERE batch_id = $1 ORDER BY job_id`

	rows, err := db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	defer rows.Close()

	var requests []models.RenderRequest
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render request: %w", err)
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// MarkSubmitted records the engine's render identifier and moves the row to
// submitted. Only a queued row can become submitted.
func (db *DB) MarkSubmitted(ctx context.Context, jobID, renderID string) error {
	query := `
		UPDATE render_requests
		SET status = $1, render_id = $2, updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`
	_, err := db.ExecContext(ctx, query, models.RenderStatusSubmitted, renderID, jobID, models.RenderStatusQueued)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	query := `
		UPDATE render_requests
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE job_id = $3
	`
	_, err := db.ExecContext(ctx, query, models.RenderStatusFailed, errorMessage, jobID)
	return err
}

func (db *DB) MarkCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE render_requests
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2
	`
	_, err := db.ExecContext(ctx, query, models.RenderStatusCompleted, jobID)
	return err
}

func (db *DB) SetVideoURL(ctx context.Context, jobID, videoURL string) error {
	query := `
		UPDATE render_requests
		SET video_url = $1, updated_at = NOW()
		WHERE job_id = $2
	`
	_, err := db.ExecContext(ctx, query, videoURL, jobID)
	return err
}

func (db *DB) SetTransferState(ctx context.Context, jobID string, status models.TransferStatus, attempts int) error {
	query := `
		UPDATE render_requests
		SET transfer_status = $1, attempts = $2, updated_at = NOW()
		WHERE job_id = $3
	`
	_, err := db.ExecContext(ctx, query, status, attempts, jobID)
	return err
}

// TryMarkRefundIssued atomically flips the refund flag for a job. It returns
// true only for the first caller — every failure path funnels through this
// gate so a job can never be refunded twice no matter how many paths fire.
func (db *DB) TryMarkRefundIssued(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE render_requests
		SET refund_issued = TRUE, updated_at = NOW()
		WHERE job_id = $1 AND refund_issued = FALSE
	`
	result, err := db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark refund issued: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check refund update: %w", err)
	}
	return n == 1, nil
}

// ListCompletedMissingURL returns completed rows with no storage URL created
// within the lookback window. These are the candidates for the missing-URL
// reconciliation sweep.
func (db *DB) ListCompletedMissingURL(ctx context.Context, lookback time.Duration) ([]models.RenderRequest, error) {
	cutoff := time.Now().Add(-lookback)
	query := `SELECT ` + renderColumns + `
		FROM render_requests
		WHERE status = $1 AND video_url IS NULL AND created_at > $2
	`

	rows, err := db.QueryContext(ctx, query, models.RenderStatusCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing urls: %w", err)
	}
	defer rows.Close()

	var requests []models.RenderRequest
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render request: %w", err)
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// MarkExpiredBefore flags rows older than the cutoff as expired, mirroring
// the storage lifecycle policy. Metadata only — object deletion is the
// storage bucket's lifecycle rule, not ours.
func (db *DB) MarkExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE render_requests
		SET is_expired = TRUE, updated_at = NOW()
		WHERE created_at < $1 AND is_expired = FALSE
	`
	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredBefore removes already-expired metadata rows older than the
// cutoff to bound table growth.
func (db *DB) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM render_requests WHERE is_expired = TRUE AND created_at < $1`

	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rows: %w", err)
	}
	return result.RowsAffected()
}

// ExpirationStats summarizes lifecycle state for the ops endpoint.
type ExpirationStats struct {
	TotalVideos   int `json:"total_videos"`
	ExpiredVideos int `json:"expired_videos"`
	ActiveVideos  int `json:"active_videos"`
}

func (db *DB) GetExpirationStats(ctx context.Context) (*ExpirationStats, error) {
	stats := &ExpirationStats{}
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_expired)
		FROM render_requests
	`
	if err := db.QueryRowContext(ctx, query).Scan(&stats.TotalVideos, &stats.ExpiredVideos); err != nil {
		return nil, fmt.Errorf("failed to get expiration stats: %w", err)
	}
	stats.ActiveVideos = stats.TotalVideos - stats.ExpiredVideos
	return stats, nil
}
