package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Enums

// RenderRequestStatus is the lifecycle state of a render request row.
//
// queued    — accepted and enqueued, tokens consumed
// submitted — handed to the external render engine, render id persisted
// completed — engine reported the render done (video_url may lag until the
//             transfer machine confirms the copy to owned storage)
// failed    — terminal failure before or during rendering
type RenderRequestStatus string

const (
	RenderStatusQueued    RenderRequestStatus = "queued"
	RenderStatusSubmitted RenderRequestStatus = "submitted"
	RenderStatusCompleted RenderRequestStatus = "completed"
	RenderStatusFailed    RenderRequestStatus = "failed"
)

// TransferStatus tracks the artifact copy from the engine CDN to owned storage.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusInProgress TransferStatus = "in_progress"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
	TransferStatusTimeout    TransferStatus = "timeout"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// RenderRequest is the system-of-record row for one render job.
type RenderRequest struct {
	JobID           string              `json:"job_id"`
	UserID          string              `json:"user_id"`
	BatchID         *string             `json:"batch_id,omitempty"`
	Status          RenderRequestStatus `json:"status"`
	RenderID        *string             `json:"render_id,omitempty"` // external engine identifier
	VideoURL        *string             `json:"video_url,omitempty"` // owned-storage public URL, set by transfer
	TokensConsumed  int                 `json:"tokens_consumed"`
	DurationSeconds int                 `json:"duration_seconds"`
	Webhook         *string             `json:"webhook,omitempty"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	RefundIssued    bool                `json:"refund_issued"`
	IsExpired       bool                `json:"is_expired"`
	TransferStatus  TransferStatus      `json:"transfer_status"`
	Attempts        int                 `json:"attempts"` // transfer poll attempts, persisted for visibility
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TokenTransaction is one append-only ledger audit entry.
// Summing Amount over a user's rows reproduces their current balance.
type TokenTransaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Amount        int       `json:"amount"` // negative = consumption, positive = purchase/refund
	Type          string    `json:"transaction_type"`
	Description   string    `json:"description"`
	BalanceBefore int       `json:"balance_before"`
	BalanceAfter  int       `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Destination is one entry of an output config's destinations list,
// passed through to the render engine.
type Destination struct {
	Provider string `json:"provider"`
	Exclude  bool   `json:"exclude,omitempty"`
	Options  JSONB  `json:"options,omitempty"`
}

// OutputConfig is the render output section. Destinations are resolved by the
// submission service before the payload ever reaches the queue.
type OutputConfig struct {
	Format       string        `json:"format,omitempty"`
	Resolution   string        `json:"resolution,omitempty"`
	AspectRatio  string        `json:"aspectRatio,omitempty"`
	Destinations []Destination `json:"destinations,omitempty"`
}

// ---------------------------------------------------------------------------
// Queue payload/result variants. One struct per lifecycle stage so that each
// stage only carries the fields valid for it — a transfer payload cannot
// exist without a render id, a render payload never has one.
// ---------------------------------------------------------------------------

// RenderPayload is the queue message consumed by the render worker.
type RenderPayload struct {
	JobID          string          `json:"job_id"`
	UserID         string          `json:"user_id"`
	Timeline       json.RawMessage `json:"timeline"`
	Output         OutputConfig    `json:"output"`
	Webhook        string          `json:"webhook,omitempty"`
	TokensConsumed int             `json:"tokens_consumed"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RenderResult is the stored outcome of a render worker invocation.
type RenderResult struct {
	Status         string    `json:"status"` // "success" or "failed"
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	RenderID       string    `json:"render_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	TokensRefunded int       `json:"tokens_refunded,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// TransferPayload is the queue message consumed by the transfer/sync machine.
// Attempt is carried explicitly so retry state lives in the payload and the
// render row, not in the queue transport.
type TransferPayload struct {
	JobID    string `json:"job_id"`
	UserID   string `json:"user_id"`
	RenderID string `json:"render_id"`
	Attempt  int    `json:"attempt"`
}

// TransferResult is the stored outcome of a transfer machine run.
type TransferResult struct {
	Status      TransferStatus `json:"status"`
	JobID       string         `json:"job_id"`
	RenderID    string         `json:"render_id"`
	VideoURL    string         `json:"video_url,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// ---------------------------------------------------------------------------
// API DTOs
// ---------------------------------------------------------------------------

type RenderRequestBody struct {
	Timeline     json.RawMessage `json:"timeline"`
	Output       OutputConfig    `json:"output"`
	Destinations []Destination   `json:"destinations,omitempty"`
	Webhook      string          `json:"webhook,omitempty"`
}

type RenderResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	JobID         string `json:"job_id"`
	TokensCharged int    `json:"tokens_charged"`
}

type BatchRenderRequestBody struct {
	Items []RenderRequestBody `json:"items"`
}

type BatchItemResult struct {
	Index         int    `json:"index"`
	JobID         string `json:"job_id,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	SkipReason    string `json:"skip_reason,omitempty"`
	TokensCharged int    `json:"tokens_charged,omitempty"`
}

type BatchRenderResponse struct {
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	BatchID       string            `json:"batch_id"`
	Items         []BatchItemResult `json:"items"`
	TokensCharged int               `json:"tokens_charged"`
}

type JobStatusResponse struct {
	JobID          string              `json:"job_id"`
	Status         RenderRequestStatus `json:"status"`
	Error          *string             `json:"error,omitempty"`
	TokensRefunded int                 `json:"tokens_refunded,omitempty"`
}

type VideoLinksResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	JobID          string         `json:"job_id"`
	VideoURL       *string        `json:"video_url,omitempty"`
	PosterURL      *string        `json:"poster_url,omitempty"`
	ThumbnailURL   *string        `json:"thumbnail_url,omitempty"`
	RenderID       *string        `json:"render_id,omitempty"`
	TransferStatus TransferStatus `json:"transfer_status,omitempty"`
}

type BatchStatusResponse struct {
	BatchID string              `json:"batch_id"`
	Jobs    []JobStatusResponse `json:"jobs"`
}

type BatchVideosResponse struct {
	BatchID string               `json:"batch_id"`
	Videos  []VideoLinksResponse `json:"videos"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

type CheckoutRequestBody struct {
	PackageID  string `json:"package_id"`
	Email      string `json:"email"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type CheckoutResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}
