package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/renderbridge/internal/db"
	"github.com/clipforge/renderbridge/internal/ledger"
	"github.com/clipforge/renderbridge/internal/models"
	"github.com/clipforge/renderbridge/internal/payments"
	"github.com/clipforge/renderbridge/internal/queue"
	"github.com/clipforge/renderbridge/internal/submit"
	"github.com/clipforge/renderbridge/internal/sweep"
)

// maxWebhookBody bounds how much of a webhook request we read before
// signature verification.
const maxWebhookBody = 1 << 20

type Handler struct {
	db       *db.DB
	queue    *queue.Queue
	ledger   *ledger.Ledger
	submit   *submit.Service
	payments *payments.Service
	sweeper  *sweep.Sweeper
}

func NewHandler(
	database *db.DB,
	q *queue.Queue,
	lg *ledger.Ledger,
	sub *submit.Service,
	pay *payments.Service,
	sw *sweep.Sweeper,
) *Handler {
	return &Handler{
		db:       database,
		queue:    q,
		ledger:   lg,
		submit:   sub,
		payments: pay,
		sweeper:  sw,
	}
}

// SubmitRender handles POST /v1/render
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req models.RenderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.submit.SubmitRender(r.Context(), uid, &req)
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, resp)
}

// SubmitBatch handles POST /v1/render/batch
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req models.BatchRenderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.submit.SubmitBatch(r.Context(), uid, &req)
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, resp)
}

// respondSubmitError maps submission failures onto the error taxonomy:
// insufficient funds and validation failures are the caller's problem, a
// ledger I/O error is ours and must never masquerade as insufficient funds.
func respondSubmitError(w http.ResponseWriter, err error) {
	var insufficient *submit.InsufficientTokensError
	if errors.As(err, &insufficient) {
		respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "insufficient_tokens",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
		return
	}
	if errors.Is(err, submit.ErrInvalidTimeline) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("[API] Submission failed: %v", err)
	respondError(w, http.StatusServiceUnavailable, "Submission failed, please retry")
}

// GetJobStatus handles GET /v1/jobs/{id}
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	req, err := h.db.GetRenderRequest(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrRenderNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	resp := jobStatus(req)
	if req.Status == models.RenderStatusFailed {
		// The worker leaves a short-lived result record with the failure
		// reason and any refund it issued. Fold that in while it lives.
		var result models.RenderResult
		if found, err := h.queue.GetResult(r.Context(), jobID, &result); err == nil && found {
			mergeRenderResult(&resp, &result)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetVideoLinks handles GET /v1/videos/{id}. The storage URL appears only
// after the transfer machine has confirmed the copy; until then the job
// reports in-progress.
func (h *Handler) GetVideoLinks(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	req, err := h.db.GetRenderRequest(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrRenderNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	respondJSON(w, http.StatusOK, videoLinks(req))
}

// GetBatchStatus handles GET /v1/batch/{id}/status
func (h *Handler) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	rows, err := h.db.GetBatchRenderRequests(r.Context(), batchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load batch")
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "Batch not found")
		return
	}

	resp := models.BatchStatusResponse{BatchID: batchID}
	for i := range rows {
		resp.Jobs = append(resp.Jobs, jobStatus(&rows[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetBatchVideos handles GET /v1/batch/{id}/videos
func (h *Handler) GetBatchVideos(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	rows, err := h.db.GetBatchRenderRequests(r.Context(), batchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load batch")
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "Batch not found")
		return
	}

	resp := models.BatchVideosResponse{BatchID: batchID}
	for i := range rows {
		resp.Videos = append(resp.Videos, videoLinks(&rows[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetBalance handles GET /v1/tokens/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), uid)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Failed to read balance")
		return
	}

	respondJSON(w, http.StatusOK, models.BalanceResponse{UserID: uid, Balance: balance})
}

// GetTransactionHistory handles GET /v1/tokens/history
func (h *Handler) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	txns, err := h.ledger.History(r.Context(), uid, limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Failed to read transaction history")
		return
	}
	if txns == nil {
		txns = []models.TokenTransaction{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      uid,
		"transactions": txns,
	})
}

// ListPackages handles GET /v1/tokens/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"packages": payments.Packages})
}

// CreateCheckout handles POST /v1/tokens/checkout
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req models.CheckoutRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.payments.CreateCheckoutSession(r.Context(), uid, &req)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPackage) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[API] Checkout creation failed: %v", err)
		respondError(w, http.StatusServiceUnavailable, "Failed to create checkout session")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// StripeWebhook handles POST /webhooks/stripe. Authenticated by the payment
// processor's signature, not the backend API key.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		log.Printf("[API] Webhook rejected: %v", err)
		respondError(w, http.StatusBadRequest, "Webhook verification failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// TriggerSync handles POST /v1/ops/sync — runs the missing-URL sweep now.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.SweepMissingURLs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// TriggerExpiration handles POST /v1/ops/expire — runs the expiration sweep now.
func (h *Handler) TriggerExpiration(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.SweepExpirations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetStats handles GET /v1/ops/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetExpirationStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	renderDepth, _ := h.queue.GetQueueLength(r.Context(), queue.QueueRender)
	transferDepth, _ := h.queue.GetQueueLength(r.Context(), queue.QueueTransfer)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"videos": stats,
		"queues": map[string]int64{
			"render":   renderDepth,
			"transfer": transferDepth,
		},
	})
}

func jobStatus(req *models.RenderRequest) models.JobStatusResponse {
	return models.JobStatusResponse{
		JobID:  req.JobID,
		Status: req.Status,
		Error:  req.ErrorMessage,
	}
}

// mergeRenderResult enriches a failed job's status with the worker's stored
// result. The row is the source of truth; the result only fills in what the
// row doesn't carry (a missing error reason, the refund amount).
func mergeRenderResult(resp *models.JobStatusResponse, result *models.RenderResult) {
	if resp.Error == nil && result.Error != "" {
		resp.Error = &result.Error
	}
	resp.TokensRefunded = result.TokensRefunded
}

func videoLinks(req *models.RenderRequest) models.VideoLinksResponse {
	resp := models.VideoLinksResponse{
		JobID:          req.JobID,
		RenderID:       req.RenderID,
		TransferStatus: req.TransferStatus,
	}

	switch {
	case req.VideoURL != nil:
		resp.Success = true
		resp.Message = "Video ready"
		resp.VideoURL = req.VideoURL
	case req.Status == models.RenderStatusFailed:
		resp.Message = "Render failed"
	default:
		resp.Message = "Render in progress"
	}

	return resp
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
