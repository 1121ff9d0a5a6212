package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clipforge/renderbridge/internal/ledger"
	"github.com/clipforge/renderbridge/internal/models"
	"github.com/clipforge/renderbridge/internal/queue"
	"github.com/clipforge/renderbridge/internal/renderer"
	"github.com/clipforge/renderbridge/internal/transfer"
)

// Store is the system-of-record surface the render worker mutates.
type Store interface {
	MarkSubmitted(ctx context.Context, jobID, renderID string) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	TryMarkRefundIssued(ctx context.Context, jobID string) (bool, error)
}

// Queue is the job-queue surface the worker consumes and reschedules on.
type Queue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Message, error)
	Enqueue(ctx context.Context, queueName, id string, payload interface{}, delay time.Duration) error
	SetResult(ctx context.Context, id string, result interface{}) error
}

// Engine is the render-engine surface the worker submits to.
type Engine interface {
	Submit(ctx context.Context, req renderer.SubmitRequest) (string, error)
}

type Worker struct {
	db       Store
	queue    Queue
	renderer Engine
	ledger   *ledger.Ledger
	transfer *transfer.Machine
}

func New(
	database Store,
	q Queue,
	engine Engine,
	lg *ledger.Ledger,
	machine *transfer.Machine,
) *Worker {
	return &Worker{
		db:       database,
		queue:    q,
		renderer: engine,
		ledger:   lg,
		transfer: machine,
	}
}

// TransferKey derives the idempotency key for a job's transfer polling.
// Every reschedule reuses it, so overlapping triggers collapse instead of
// spawning parallel pollers for the same job.
func TransferKey(jobID string) string {
	return jobID + ":transfer"
}

// Start begins processing jobs from all queues
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueRender, w.handleRender)
		go w.processQueue(ctx, queue.QueueTransfer, w.handleTransfer)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				continue
			}

			if msg == nil {
				continue // No job available, retry
			}

			if err := handler(ctx, msg); err != nil {
				log.Printf("Job %s failed: %v", msg.ID, err)
			}
		}
	}
}

// handleRender submits one queued job to the external render engine. Any
// failure here — validation, transport, non-success response — is terminal
// for the job and triggers the compensating refund.
func (w *Worker) handleRender(ctx context.Context, msg *queue.Message) error {
	var payload models.RenderPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal render payload: %w", err)
	}

	log.Printf("[Worker] Processing render job %s for user %s", payload.JobID, payload.UserID)

	if err := validateRenderPayload(&payload); err != nil {
		return w.failRender(ctx, &payload, fmt.Sprintf("invalid payload: %v", err))
	}

	renderID, err := w.renderer.Submit(ctx, renderer.SubmitRequest{
		Timeline: payload.Timeline,
		Output:   payload.Output,
		Webhook:  payload.Webhook,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failRender(ctx, &payload, fmt.Sprintf("render engine call failed: %v", err))
	}

	if err := w.db.MarkSubmitted(ctx, payload.JobID, renderID); err != nil {
		log.Printf("[Worker] Failed to mark job %s submitted: %v", payload.JobID, err)
	}

	transferPayload := models.TransferPayload{
		JobID:    payload.JobID,
		UserID:   payload.UserID,
		RenderID: renderID,
		Attempt:  1,
	}
	if err := w.queue.Enqueue(ctx, queue.QueueTransfer, TransferKey(payload.JobID), transferPayload, transfer.InitialDelay); err != nil {
		// The job is submitted; the missing-URL sweep will pick up the
		// artifact if the transfer never gets scheduled.
		log.Printf("[Worker] Failed to schedule transfer for job %s: %v", payload.JobID, err)
	}

	result := models.RenderResult{
		Status:      "success",
		JobID:       payload.JobID,
		UserID:      payload.UserID,
		RenderID:    renderID,
		ProcessedAt: time.Now(),
	}
	if err := w.queue.SetResult(ctx, msg.ID, result); err != nil {
		log.Printf("[Worker] Failed to store result for job %s: %v", payload.JobID, err)
	}

	log.Printf("[Worker] Job %s submitted to render engine as %s", payload.JobID, renderID)
	return nil
}

// failRender marks the job failed and refunds its tokens. The refund is gated
// by the persisted per-job flag: exactly one failure path wins the flip, so a
// redelivered job can never be refunded twice.
func (w *Worker) failRender(ctx context.Context, payload *models.RenderPayload, reason string) error {
	log.Printf("[Worker] Job %s failed: %s", payload.JobID, reason)

	if err := w.db.MarkFailed(ctx, payload.JobID, reason); err != nil {
		log.Printf("[Worker] Failed to mark job %s failed: %v", payload.JobID, err)
	}

	refunded := 0
	if payload.TokensConsumed > 0 {
		first, err := w.db.TryMarkRefundIssued(ctx, payload.JobID)
		if err != nil {
			log.Printf("[Worker] Refund gate check failed for job %s: %v", payload.JobID, err)
		} else if first {
			refundReason := fmt.Sprintf("refund for failed render job %s", payload.JobID)
			if err := w.ledger.Refund(ctx, payload.UserID, payload.TokensConsumed, refundReason); err != nil {
				log.Printf("[Worker] Refund failed for job %s: %v", payload.JobID, err)
			} else {
				refunded = payload.TokensConsumed
			}
		}
	}

	result := models.RenderResult{
		Status:         "failed",
		JobID:          payload.JobID,
		UserID:         payload.UserID,
		Error:          reason,
		TokensRefunded: refunded,
		ProcessedAt:    time.Now(),
	}
	if err := w.queue.SetResult(ctx, payload.JobID, result); err != nil {
		log.Printf("[Worker] Failed to store result for job %s: %v", payload.JobID, err)
	}

	return errors.New(reason)
}

// handleTransfer runs one step of the transfer state machine and either
// reschedules the next check or stores the terminal result.
func (w *Worker) handleTransfer(ctx context.Context, msg *queue.Message) error {
	var payload models.TransferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal transfer payload: %w", err)
	}

	outcome, err := w.transfer.Poll(ctx, payload)
	if err != nil {
		return err
	}

	if outcome.RetryIn > 0 {
		next := payload
		next.Attempt = payload.Attempt + 1
		if next.Attempt < 2 {
			next.Attempt = 2
		}
		if err := w.queue.Enqueue(ctx, queue.QueueTransfer, TransferKey(payload.JobID), next, outcome.RetryIn); err != nil {
			return fmt.Errorf("failed to reschedule transfer for job %s: %w", payload.JobID, err)
		}
		return nil
	}

	if err := w.queue.SetResult(ctx, msg.ID, outcome.Result); err != nil {
		log.Printf("[Worker] Failed to store transfer result for job %s: %v", payload.JobID, err)
	}
	return nil
}

func validateRenderPayload(p *models.RenderPayload) error {
	if p.JobID == "" {
		return errors.New("missing job_id")
	}
	if p.UserID == "" {
		return errors.New("missing user_id")
	}
	if len(p.Timeline) == 0 {
		return errors.New("missing timeline")
	}
	return nil
}
