// Package payments implements ledger recording and the claim protocol on
// top of the stores.
package payments

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
	"github.com/oraxen/licensing/internal/store"
	"github.com/oraxen/licensing/internal/ws"
)

// followupDelay is how long after purchase the follow-up email goes out.
const followupDelay = 7 * 24 * time.Hour

// ThankYouSender sends the purchase confirmation and returns the provider
// message id.
type ThankYouSender interface {
	Configured() bool
	SendThankYou(toEmail, buyerName string, purchaseType purchase.Type, amount string) (string, error)
}

// Processor records normalized payments and runs the first-delivery side
// effects: thank-you email, event broadcast, follow-up scheduling.
type Processor struct {
	payments *store.PaymentStore
	runs     *store.FollowupRunStore
	email    ThankYouSender
	hub      *ws.Hub
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(payments *store.PaymentStore, runs *store.FollowupRunStore, email ThankYouSender, hub *ws.Hub, logger *slog.Logger) *Processor {
	return &Processor{
		payments: payments,
		runs:     runs,
		email:    email,
		hub:      hub,
		logger:   logger,
		now:      time.Now,
	}
}

// Result reports what Process did with one webhook delivery.
type Result struct {
	Payment      *model.Payment
	Duplicate    bool
	ThankYouSent bool
	RunID        string
}

// Process lands a normalized payment in the ledger. Redeliveries return the
// existing row and perform no side effects. On first insert the thank-you
// email is sent when a buyer email is present, the ledger event is
// broadcast, and a follow-up run is scheduled for qualifying purchases.
func (p *Processor) Process(source model.Source, info model.PaymentInfo, purchasedAt time.Time, metadata map[string]any) (*Result, error) {
	payment, duplicate, err := p.payments.Create(source, info, purchasedAt, metadata)
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if duplicate {
		p.logger.Info("duplicate webhook delivery",
			"source", source, "transaction_id", payment.TransactionID)
		return &Result{Payment: payment, Duplicate: true}, nil
	}

	res := &Result{Payment: payment}

	p.hub.Broadcast(ws.PaymentReceived(source, payment.TransactionID, payment.PurchaseType, payment.Amount))

	if payment.BuyerEmail != nil && p.email.Configured() {
		res.ThankYouSent = p.sendThankYou(source, payment)
	}

	if payment.BuyerEmail != nil && payment.PurchaseType.EligibleForFollowup() {
		runAt := purchasedAt.Add(followupDelay)
		if now := p.now(); runAt.Before(now) {
			runAt = now
		}
		buyerName := ""
		if payment.BuyerName != nil {
			buyerName = *payment.BuyerName
		}
		runID, err := p.runs.Schedule(source, payment.TransactionID, *payment.BuyerEmail, buyerName, payment.PurchaseType, payment.Platform, runAt)
		if err != nil {
			// The payment is already recorded; losing the run is worth a
			// log line, not a webhook retry storm.
			p.logger.Error("schedule followup run",
				"source", source, "transaction_id", payment.TransactionID, "error", err)
		} else {
			res.RunID = runID
			p.logger.Info("followup run scheduled",
				"run_id", runID, "transaction_id", payment.TransactionID, "run_at", runAt)
		}
	}

	return res, nil
}

func (p *Processor) sendThankYou(source model.Source, payment *model.Payment) bool {
	buyerName := ""
	if payment.BuyerName != nil {
		buyerName = *payment.BuyerName
	}
	amount := ""
	if payment.Amount != nil {
		amount = *payment.Amount
	}

	msgID, err := p.email.SendThankYou(*payment.BuyerEmail, buyerName, payment.PurchaseType, amount)
	if err != nil {
		p.logger.Error("send thank-you email",
			"source", source, "transaction_id", payment.TransactionID, "error", err)
		return false
	}

	stamped, err := p.payments.MarkThankYouSent(source, payment.TransactionID, msgID, p.now())
	if err != nil {
		p.logger.Error("mark thank-you sent",
			"source", source, "transaction_id", payment.TransactionID, "error", err)
		return false
	}
	if !stamped {
		p.logger.Warn("thank-you already stamped",
			"source", source, "transaction_id", payment.TransactionID)
	}
	return true
}
