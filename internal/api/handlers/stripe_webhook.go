// This file implements the Stripe webhook handler.
//
// The handler is NOT behind any auth middleware -- it is called directly by
// Stripe. Security is provided by verifying the Stripe-Signature header.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"palletspace/internal/core"
	"palletspace/internal/external"
	"palletspace/internal/link"
	"palletspace/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload
// (64 KB). Customer event payloads are small; this limit protects against
// abuse.
const maxWebhookBodySize = 64 * 1024

// EventApplier consumes a verified webhook event exactly once.
type EventApplier interface {
	ApplyEvent(ctx context.Context, evt *types.WebhookEvent) error
}

// StripeWebhookHandler handles asynchronous customer events from Stripe.
// It is unauthenticated but verifies the provider signature before any
// processing.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	ingestor EventApplier
	secret   string
	clock    types.Clock
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler with the
// provided dependencies.
func NewStripeWebhookHandler(verifier external.WebhookVerifier, ingestor EventApplier, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		ingestor: ingestor,
		secret:   secret,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads the body and the Stripe-Signature header.
//  2. Verifies the signature using the webhook signing secret.
//  3. Parses the event envelope.
//  4. Hands the event to the Ingestor.
//  5. Acknowledges with 200 for every condition that redelivery cannot fix
//     (duplicates, unknown customers, permanent apply failures); only
//     transient storage failures produce a retryable 5xx.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	evt, err := link.ParseEvent(payload, h.clock)
	if err != nil {
		h.logger.WarnContext(r.Context(), "malformed webhook event", "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", evt.ID,
		"event_type", evt.Type,
	)

	if err := h.ingestor.ApplyEvent(r.Context(), evt); err != nil {
		if types.IsTransient(err) {
			// A retryable failure: the ledger entry was rolled back, so the
			// provider's redelivery will be applied cleanly.
			h.logger.ErrorContext(r.Context(), "webhook apply failed, requesting redelivery",
				"event_id", evt.ID,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}

		// Permanent conditions (unknown customer) are acknowledged: the
		// event is recorded and redelivery cannot change the outcome.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeWebhookUnknownCustomer {
			h.logger.WarnContext(r.Context(), "webhook references unknown customer",
				"event_id", evt.ID,
			)
		} else {
			h.logger.ErrorContext(r.Context(), "webhook apply failed permanently",
				"event_id", evt.ID,
				"error", err,
			)
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]string{"received": evt.ID},
	})
}
