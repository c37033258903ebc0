package handler

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/payments"
	"github.com/oraxen/licensing/internal/paypal"
)

// PayPalWebhookHandler receives forwarded PayPal notification emails from
// the mail relay and lands them in the ledger.
type PayPalWebhookHandler struct {
	secret    string
	processor *payments.Processor
	logger    *slog.Logger
}

func NewPayPalWebhookHandler(secret string, processor *payments.Processor, logger *slog.Logger) *PayPalWebhookHandler {
	return &PayPalWebhookHandler{
		secret:    secret,
		processor: processor,
		logger:    logger,
	}
}

type paypalWebhookPayload struct {
	Body   string `json:"body"`
	From   string `json:"from"`
	Sender string `json:"sender"`
}

type paypalWebhookResponse struct {
	Received  bool              `json:"received"`
	Parsed    model.PaymentInfo `json:"parsed"`
	Processed processedPayment  `json:"processed"`
}

type processedPayment struct {
	Success      bool   `json:"success"`
	Duplicate    bool   `json:"duplicate"`
	ThankYouSent bool   `json:"emailSent"`
	RunID        string `json:"runId,omitempty"`
}

// Handle authenticates the shared secret, parses the forwarded email body
// and records the payment. The relay retries on 5xx, so processing failures
// return 500 while parse misses still return 200 with the partial parse.
func (h *PayPalWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var payload paypalWebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	info := paypal.ExtractPaymentInfo(payload.Body)
	h.logger.Info("paypal webhook parsed",
		"email", strOrEmpty(info.BuyerEmail),
		"transaction_id", strOrEmpty(info.TransactionID),
		"type", info.PurchaseType,
		"platform", info.Platform)

	metadata := map[string]any{
		"from":   payload.From,
		"sender": payload.Sender,
	}
	result, err := h.processor.Process(model.SourcePayPal, info, time.Now(), metadata)
	if err != nil {
		h.logger.Error("process paypal payment", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "Payment processing failed",
			"parsed": info,
		})
		return
	}

	writeJSON(w, http.StatusOK, paypalWebhookResponse{
		Received: true,
		Parsed:   info,
		Processed: processedPayment{
			Success:      true,
			Duplicate:    result.Duplicate,
			ThankYouSent: result.ThankYouSent,
			RunID:        result.RunID,
		},
	})
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
