package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/payments"
	stripeext "github.com/oraxen/licensing/internal/stripe"
)

// StripeClient is the part of the Stripe integration the webhook handler
// needs: signature verification and the customer lookup fallback.
type StripeClient interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
	RetrieveCustomer(id string) (*stripe.Customer, error)
}

type StripeWebhookHandler struct {
	client    StripeClient
	processor *payments.Processor
	logger    *slog.Logger
}

func NewStripeWebhookHandler(client StripeClient, processor *payments.Processor, logger *slog.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		client:    client,
		processor: processor,
		logger:    logger,
	}
}

type stripeSkippedResponse struct {
	Received bool   `json:"received"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason"`
}

type stripeProcessedResponse struct {
	Received  bool              `json:"received"`
	Duplicate bool              `json:"duplicate"`
	Parsed    model.PaymentInfo `json:"parsed"`
	EmailSent bool              `json:"emailSent"`
}

// Handle verifies the webhook signature and dispatches on the event type.
// Event types outside the handled set are acknowledged with 200 so Stripe
// stops redelivering them.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeError(w, http.StatusBadRequest, "Missing signature")
		return
	}

	event, err := h.client.ConstructWebhookEvent(body, sig)
	if err != nil {
		h.logger.Warn("stripe signature verification failed", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	h.handleEvent(w, event)
}

func (h *StripeWebhookHandler) handleEvent(w http.ResponseWriter, event stripe.Event) {
	var info model.PaymentInfo
	var metadata map[string]any

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			writeJSON(w, http.StatusOK, stripeSkippedResponse{
				Received: true, Skipped: true, Reason: "Payment not completed",
			})
			return
		}
		info = stripeext.FromCheckoutSession(&sess)
		metadata = map[string]any{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"session_id": sess.ID,
			"mode":       string(sess.Mode),
		}
		if sess.PaymentIntent != nil {
			metadata["payment_intent"] = sess.PaymentIntent.ID
		}
		if sess.Customer != nil {
			metadata["customer_id"] = sess.Customer.ID
		}

	case "charge.succeeded", "charge.updated", "charge.captured":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		// Connect payments routed through Polymart may only ever send
		// charge.updated, so all three charge events are accepted but only
		// settled charges proceed.
		if charge.Status != "succeeded" || !charge.Paid {
			writeJSON(w, http.StatusOK, stripeSkippedResponse{
				Received: true,
				Skipped:  true,
				Reason:   fmt.Sprintf("Charge not succeeded (status: %s, paid: %t)", charge.Status, charge.Paid),
			})
			return
		}
		info = stripeext.FromCharge(&charge, h.client)
		metadata = map[string]any{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"charge_id":  charge.ID,
		}
		if charge.PaymentIntent != nil {
			metadata["payment_intent"] = charge.PaymentIntent.ID
		}
		if charge.Customer != nil {
			metadata["customer_id"] = charge.Customer.ID
		}

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		info = stripeext.FromPaymentIntent(&pi, h.client)
		metadata = map[string]any{
			"event_id":       event.ID,
			"event_type":     string(event.Type),
			"payment_intent": pi.ID,
		}
		if pi.Customer != nil {
			metadata["customer_id"] = pi.Customer.ID
		}

	default:
		writeJSON(w, http.StatusOK, stripeSkippedResponse{
			Received: true,
			Skipped:  true,
			Reason:   fmt.Sprintf("Unhandled event type: %s", event.Type),
		})
		return
	}

	result, err := h.processor.Process(model.SourceStripe, info, time.Now(), metadata)
	if err != nil {
		h.logger.Error("process stripe payment", "event_id", event.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Payment processing failed")
		return
	}

	writeJSON(w, http.StatusOK, stripeProcessedResponse{
		Received:  true,
		Duplicate: result.Duplicate,
		Parsed:    info,
		EmailSent: result.ThankYouSent,
	})
}
