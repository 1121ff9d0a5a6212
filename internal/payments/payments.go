// Package payments wraps the payment processor: checkout session creation for
// token packages and signed-webhook fulfillment. The rest of the system only
// ever sees its effect — tokens credited to an account.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/clipforge/renderbridge/internal/ledger"
	"github.com/clipforge/renderbridge/internal/models"
)

var ErrUnknownPackage = errors.New("unknown token package")

type Service struct {
	ledger        *ledger.Ledger
	webhookSecret string
	successURL    string
	cancelURL     string
}

func New(secretKey, webhookSecret, successURL, cancelURL string, lg *ledger.Ledger) *Service {
	// Set the global API key for the stripe-go library
	stripe.Key = secretKey

	return &Service{
		ledger:        lg,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// CreateCheckoutSession creates a one-time payment session for a token
// package. The user id and token count ride in session metadata so webhook
// fulfillment needs no extra lookup.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID string, body *models.CheckoutRequestBody) (*models.CheckoutResponse, error) {
	pkg, ok := PackageByID(body.PackageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, body.PackageID)
	}

	successURL := body.SuccessURL
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := body.CancelURL
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(pkg.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pkg.Name + " token package"),
						Description: stripe.String(fmt.Sprintf("%d render tokens", pkg.Tokens)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"user_id":    userID,
			"package_id": pkg.ID,
			"tokens":     strconv.Itoa(pkg.Tokens),
		},
	}
	if body.Email != "" {
		params.CustomerEmail = stripe.String(body.Email)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	log.Printf("[Payments] Created checkout session %s for user %s (package %s)", sess.ID, userID, pkg.ID)

	return &models.CheckoutResponse{SessionID: sess.ID, SessionURL: sess.URL}, nil
}

// HandleWebhook verifies a processor webhook and fulfills completed checkouts
// by crediting the purchased tokens. Unrecognized event types are
// acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return fmt.Errorf("webhook signature verification failed: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		log.Printf("[Payments] Ignoring webhook event %s", event.Type)
		return nil
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	packageID := sess.Metadata["package_id"]
	tokens, err := strconv.Atoi(sess.Metadata["tokens"])
	if err != nil || userID == "" || tokens <= 0 {
		return fmt.Errorf("checkout session %s has invalid metadata (user_id=%q tokens=%q)",
			sess.ID, userID, sess.Metadata["tokens"])
	}

	reason := fmt.Sprintf("purchase of %s package (session %s)", packageID, sess.ID)
	if err := s.ledger.AddPurchased(ctx, userID, tokens, reason); err != nil {
		return fmt.Errorf("failed to credit purchase: %w", err)
	}

	log.Printf("[Payments] Fulfilled session %s: %d tokens for user %s", sess.ID, tokens, userID)
	return nil
}
