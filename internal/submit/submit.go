// Package submit accepts render requests: it prices the timeline, reserves
// tokens, resolves output destinations, and hands the job to the queue. It is
// the only place tokens are consumed.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/renderbridge/internal/ledger"
	"github.com/clipforge/renderbridge/internal/models"
	"github.com/clipforge/renderbridge/internal/queue"
	"github.com/clipforge/renderbridge/internal/timeline"
)

var ErrInvalidTimeline = errors.New("timeline must contain at least one track with at least one clip")

// InsufficientTokensError carries the numbers the caller needs to show the
// user what a retry would take.
type InsufficientTokensError struct {
	Required  int
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, available %d", e.Required, e.Available)
}

type Service struct {
	db     RenderStore
	ledger *ledger.Ledger
	queue  Enqueuer
}

// RenderStore is the persistence the submission path needs.
type RenderStore interface {
	CreateRenderRequest(ctx context.Context, r *models.RenderRequest) error
}

// Enqueuer is the queue surface the submission path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, id string, payload interface{}, delay time.Duration) error
}

func New(db RenderStore, lg *ledger.Ledger, q Enqueuer) *Service {
	return &Service{db: db, ledger: lg, queue: q}
}

// SubmitRender validates, prices, and enqueues a single render request.
// Order matters: the balance is checked up front so obviously unfunded
// requests never reach the queue, the job is enqueued, tokens are consumed,
// and only then is the tracking row written.
func (s *Service) SubmitRender(ctx context.Context, userID string, body *models.RenderRequestBody) (*models.RenderResponse, error) {
	if !timeline.Validate(body.Timeline) {
		return nil, ErrInvalidTimeline
	}

	duration := timeline.EstimateJSON(body.Timeline)
	tokens := ledger.TokensForDuration(duration)

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < tokens {
		return nil, &InsufficientTokensError{Required: tokens, Available: balance}
	}

	jobID := uuid.New().String()
	output := resolveOutput(body)

	payload := models.RenderPayload{
		JobID:          jobID,
		UserID:         userID,
		Timeline:       body.Timeline,
		Output:         output,
		Webhook:        body.Webhook,
		TokensConsumed: tokens,
		CreatedAt:      time.Now(),
	}

	if err := s.queue.Enqueue(ctx, queue.QueueRender, jobID, payload, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue render: %w", err)
	}

	reason := fmt.Sprintf("render job %s (%ds)", jobID, duration)
	if err := s.ledger.ReserveAndConsume(ctx, userID, tokens, reason); err != nil {
		if errors.Is(err, ledger.ErrInsufficientTokens) {
			// Lost a race with a concurrent submission since the balance read.
			return nil, &InsufficientTokensError{Required: tokens, Available: balance}
		}
		return nil, err
	}

	row := &models.RenderRequest{
		JobID:           jobID,
		UserID:          userID,
		Status:          models.RenderStatusQueued,
		TokensConsumed:  tokens,
		DurationSeconds: duration,
		TransferStatus:  models.TransferStatusPending,
	}
	if body.Webhook != "" {
		row.Webhook = &body.Webhook
	}
	if err := s.db.CreateRenderRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to persist render request: %w", err)
	}

	log.Printf("[Submit] Queued render %s for user %s (%ds, %d tokens)", jobID, userID, duration, tokens)

	return &models.RenderResponse{
		Success:       true,
		Message:       "Render queued",
		JobID:         jobID,
		TokensCharged: tokens,
	}, nil
}

// SubmitBatch accepts up to maxBatchSize renders as one unit. Invalid members
// are skipped (reported, not fatal); the ledger is debited once for the sum of
// the accepted members so the transaction log shows a single batch charge.
const maxBatchSize = 50

func (s *Service) SubmitBatch(ctx context.Context, userID string, body *models.BatchRenderRequestBody) (*models.BatchRenderResponse, error) {
	if len(body.Items) == 0 {
		return nil, errors.New("batch contains no items")
	}
	if len(body.Items) > maxBatchSize {
		return nil, fmt.Errorf("batch too large: %d items (max %d)", len(body.Items), maxBatchSize)
	}

	batchID := "batch_" + uuid.New().String()

	// First pass: validate and price every member before touching the queue
	// or the ledger.
	type member struct {
		index    int
		body     *models.RenderRequestBody
		duration int
		tokens   int
	}
	var accepted []member
	results := make([]models.BatchItemResult, len(body.Items))
	totalTokens := 0

	for i := range body.Items {
		item := &body.Items[i]
		results[i] = models.BatchItemResult{Index: i}

		if !timeline.Validate(item.Timeline) {
			results[i].Skipped = true
			results[i].SkipReason = ErrInvalidTimeline.Error()
			continue
		}

		duration := timeline.EstimateJSON(item.Timeline)
		tokens := ledger.TokensForDuration(duration)
		totalTokens += tokens
		accepted = append(accepted, member{index: i, body: item, duration: duration, tokens: tokens})
	}

	if len(accepted) == 0 {
		return nil, errors.New("batch contains no valid items")
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < totalTokens {
		return nil, &InsufficientTokensError{Required: totalTokens, Available: balance}
	}

	for n, m := range accepted {
		jobID := fmt.Sprintf("%s_%03d", batchID, n)

		payload := models.RenderPayload{
			JobID:          jobID,
			UserID:         userID,
			Timeline:       m.body.Timeline,
			Output:         resolveOutput(m.body),
			Webhook:        m.body.Webhook,
			TokensConsumed: m.tokens,
			CreatedAt:      time.Now(),
		}
		if err := s.queue.Enqueue(ctx, queue.QueueRender, jobID, payload, 0); err != nil {
			return nil, fmt.Errorf("failed to enqueue batch member %d: %w", m.index, err)
		}

		results[m.index].JobID = jobID
		results[m.index].TokensCharged = m.tokens
	}

	reason := fmt.Sprintf("batch %s (%d renders)", batchID, len(accepted))
	if err := s.ledger.ReserveAndConsume(ctx, userID, totalTokens, reason); err != nil {
		if errors.Is(err, ledger.ErrInsufficientTokens) {
			return nil, &InsufficientTokensError{Required: totalTokens, Available: balance}
		}
		return nil, err
	}

	for n, m := range accepted {
		jobID := fmt.Sprintf("%s_%03d", batchID, n)
		row := &models.RenderRequest{
			JobID:           jobID,
			UserID:          userID,
			BatchID:         &batchID,
			Status:          models.RenderStatusQueued,
			TokensConsumed:  m.tokens,
			DurationSeconds: m.duration,
			TransferStatus:  models.TransferStatusPending,
		}
		if m.body.Webhook != "" {
			row.Webhook = &m.body.Webhook
		}
		if err := s.db.CreateRenderRequest(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to persist batch member %d: %w", m.index, err)
		}
	}

	log.Printf("[Submit] Queued batch %s for user %s: %d accepted, %d skipped, %d tokens",
		batchID, userID, len(accepted), len(body.Items)-len(accepted), totalTokens)

	return &models.BatchRenderResponse{
		Success:       true,
		Message:       fmt.Sprintf("Batch queued: %d of %d items accepted", len(accepted), len(body.Items)),
		BatchID:       batchID,
		Items:         results,
		TokensCharged: totalTokens,
	}, nil
}

// resolveOutput merges top-level destinations into the output config and
// guarantees the engine hosts the artifact itself. The transfer machine
// downloads from the engine's CDN, so an explicit exclusion of engine hosting
// would strand the artifact — it gets flipped back on here.
func resolveOutput(body *models.RenderRequestBody) models.OutputConfig {
	output := body.Output
	if output.Format == "" {
		output.Format = "mp4"
	}

	// Private copy: the flip below must never write through to the caller's
	// request body.
	dests := make([]models.Destination, 0, len(output.Destinations)+len(body.Destinations)+1)
	dests = append(dests, output.Destinations...)
	dests = append(dests, body.Destinations...)

	hosted := false
	for i := range dests {
		if dests[i].Provider == "shotstack" {
			dests[i].Exclude = false
			hosted = true
		}
	}
	if !hosted {
		dests = append(dests, models.Destination{Provider: "shotstack"})
	}
	output.Destinations = dests

	return output
}
