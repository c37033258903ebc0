package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oraxen/licensing/internal/auth"
	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/payments"
	"github.com/oraxen/licensing/internal/store"
)

type LicenseHandler struct {
	claimer  *payments.Claimer
	licenses *store.LicenseStore
	payments *store.PaymentStore
	logger   *slog.Logger
}

func NewLicenseHandler(claimer *payments.Claimer, licenses *store.LicenseStore, paymentStore *store.PaymentStore, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		claimer:  claimer,
		licenses: licenses,
		payments: paymentStore,
		logger:   logger,
	}
}

type claimRequest struct {
	PaymentID     int64  `json:"paymentId"`
	PaymentSource string `json:"paymentSource"`
}

// Claim associates an unclaimed ledger row with the session user and issues
// the matching license. Conflicts map to 404 (row gone or already claimed)
// and 409 (license already issued for the transaction).
func (h *LicenseHandler) Claim(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	source := model.Source(req.PaymentSource)
	if req.PaymentID <= 0 || !model.ValidSource(source) {
		writeError(w, http.StatusBadRequest, "paymentId and paymentSource are required")
		return
	}

	_, err := h.claimer.Claim(payments.Identity{UserID: identity.UserID, Email: identity.Email}, source, req.PaymentID)
	switch {
	case errors.Is(err, payments.ErrNotFoundOrClaimed):
		writeError(w, http.StatusNotFound, "Payment not found or already claimed")
		return
	case errors.Is(err, payments.ErrLicenseExists):
		writeError(w, http.StatusConflict, "License already exists for this transaction")
		return
	case err != nil:
		h.logger.Error("claim payment", "user_id", identity.UserID, "payment_id", req.PaymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Cleanup removes duplicate licenses left behind by retried claim attempts,
// keeping the oldest license per transaction.
func (h *LicenseHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := h.claimer.CleanupDuplicateLicenses(identity.UserID)
	if err != nil {
		h.logger.Error("cleanup duplicate licenses", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"deleted":   result.Deleted,
		"remaining": result.Remaining,
	})
}

// ListUnclaimed returns the session user's unclaimed ledger rows across both
// sources, matched by the email the purchase was made with.
func (h *LicenseHandler) ListUnclaimed(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows := make([]unclaimedPayment, 0)
	for _, source := range []model.Source{model.SourceStripe, model.SourcePayPal} {
		list, err := h.payments.ListUnclaimedByEmail(source, identity.Email)
		if err != nil {
			h.logger.Error("list unclaimed payments", "source", source, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		for _, p := range list {
			rows = append(rows, unclaimedPayment{
				PaymentID:     p.ID,
				PaymentSource: string(source),
				PurchaseType:  string(p.PurchaseType),
				Amount:        p.Amount,
				PurchasedAt:   p.PurchasedAt.Format(time.RFC3339),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"payments": rows})
}

type unclaimedPayment struct {
	PaymentID     int64   `json:"paymentId"`
	PaymentSource string  `json:"paymentSource"`
	PurchaseType  string  `json:"purchaseType"`
	Amount        *string `json:"amount"`
	PurchasedAt   string  `json:"purchasedAt"`
}

type validateRequest struct {
	TransactionID string `json:"transactionId"`
	Email         string `json:"email"`
}

type validateResponse struct {
	Valid       bool    `json:"valid"`
	LicenseType string  `json:"licenseType,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Validate checks the transaction id and buyer email pair a shipped product
// holds against the issued licenses. Unknown pairs and inactive or expired
// licenses all come back valid:false with a reason, never an error status.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.TransactionID == "" || req.Email == "" {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "not_found"})
		return
	}

	license, err := h.licenses.GetByTransactionID(req.TransactionID)
	if err != nil {
		h.logger.Error("validate license", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if license == nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "not_found"})
		return
	}

	// A mismatched email is indistinguishable from an unknown transaction
	// so callers cannot enumerate which transaction ids exist.
	buyerEmail, _ := license.Metadata["buyer_email"].(string)
	if !strings.EqualFold(buyerEmail, req.Email) {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "not_found"})
		return
	}

	if !license.IsActive {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "inactive"})
		return
	}
	if license.ExpiresAt != nil && license.ExpiresAt.Before(time.Now().UTC()) {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "expired"})
		return
	}

	resp := validateResponse{Valid: true, LicenseType: string(license.LicenseType)}
	if license.ExpiresAt != nil {
		s := license.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}
