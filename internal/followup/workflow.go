// Package followup runs the deferred one week check-in for purchases.
package followup

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
	"github.com/oraxen/licensing/internal/store"
	"github.com/oraxen/licensing/internal/ws"
)

// Skip tokens recorded as run results when a gate short-circuits.
const (
	ResultSent           = "sent"
	SkipAlreadySent      = "skipped:already_sent"
	SkipNotRegistered    = "skipped:not_registered"
	SkipAlreadyHadStudio = "skipped:already_had_oraxen_studio"
)

// RetryableError marks a failure worth retrying. Anything else aborts the
// run permanently.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the worker retries the run.
func Retryable(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err or anything it wraps is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FollowupSender sends the check-in email and returns the provider message
// id.
type FollowupSender interface {
	SendFollowup(toEmail, buyerName string, purchaseType purchase.Type, grantedStudio bool) (string, error)
}

// Workflow executes one follow-up run. Every step is idempotent, so a
// retried run re-enters from the top safely.
type Workflow struct {
	payments *store.PaymentStore
	profiles *store.ProfileStore
	licenses *store.LicenseStore
	email    FollowupSender
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewWorkflow(payments *store.PaymentStore, profiles *store.ProfileStore, licenses *store.LicenseStore, email FollowupSender, hub *ws.Hub, logger *slog.Logger) *Workflow {
	return &Workflow{
		payments: payments,
		profiles: profiles,
		licenses: licenses,
		email:    email,
		hub:      hub,
		logger:   logger,
	}
}

// Run executes the step sequence for one run and returns the result token.
func (w *Workflow) Run(run model.FollowupRun) (string, error) {
	payment, err := w.payments.GetByTransactionID(run.Source, run.TransactionID)
	if err != nil {
		return "", Retryable("load ledger row: %w", err)
	}
	if payment != nil && payment.FollowupEmailSentAt != nil {
		return SkipAlreadySent, nil
	}

	profile, err := w.profiles.GetByEmail(run.BuyerEmail)
	if err != nil {
		return "", Retryable("look up profile: %w", err)
	}
	if profile == nil {
		return SkipNotRegistered, nil
	}

	grantedStudio := false
	if run.PurchaseType == purchase.TypeOraxen {
		granted, alreadyHad, err := w.grantStudioLicense(profile.ID, run.TransactionID)
		if err != nil {
			return "", err
		}
		if alreadyHad {
			return SkipAlreadyHadStudio, nil
		}
		grantedStudio = granted
	}

	msgID, err := w.email.SendFollowup(run.BuyerEmail, run.BuyerName, run.PurchaseType, grantedStudio)
	if err != nil {
		return "", Retryable("send follow-up email: %w", err)
	}

	stamped, err := w.payments.MarkFollowupSent(run.Source, run.TransactionID, msgID)
	if err != nil {
		w.logger.Error("mark follow-up sent",
			"transaction_id", run.TransactionID, "error", err)
	} else if !stamped {
		// A concurrent run beat us to the stamp; the email went out twice
		// but the ledger records the first.
		w.logger.Warn("follow-up already stamped", "transaction_id", run.TransactionID)
	}

	w.hub.Broadcast(ws.FollowupSent(run.Source, run.TransactionID, run.PurchaseType, ResultSent))
	w.logger.Info("follow-up sent",
		"transaction_id", run.TransactionID, "buyer_email", run.BuyerEmail,
		"granted_studio", grantedStudio, "message_id", msgID)

	return ResultSent, nil
}

// grantStudioLicense gives an Oraxen buyer the bundled Oraxen Studio
// license. The license records which transaction granted it, so a run
// retried after a later step failed recognizes its own grant and still
// sends the email. alreadyHad is true only for a license from outside this
// run, in which case no email should go out.
func (w *Workflow) grantStudioLicense(userID, transactionID string) (granted, alreadyHad bool, err error) {
	existing, err := w.licenses.GetActiveByType(userID, purchase.TypeOraxenStudio)
	if err != nil {
		return false, false, Retryable("check studio license: %w", err)
	}
	if existing != nil {
		if grantedFor, _ := existing.Metadata["granted_for_transaction"].(string); grantedFor == transactionID {
			return true, false, nil
		}
		return false, true, nil
	}

	_, err = w.licenses.Create(userID, purchase.TypeOraxenStudio, map[string]any{
		"granted_via":             "followup_workflow",
		"granted_for_transaction": transactionID,
		"granted_at":              time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, false, Retryable("grant studio license: %w", err)
	}
	return true, false, nil
}
