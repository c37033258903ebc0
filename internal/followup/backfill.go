package followup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/store"
)

// followupRunDelay matches the live scheduling delay so backdated runs land
// where a live run would have.
const followupRunDelay = 7 * 24 * time.Hour

// BackfillCounts summarizes one backfill pass.
type BackfillCounts struct {
	Considered          int `json:"considered"`
	Scheduled           int `json:"scheduled"`
	SkippedMissingField int `json:"skippedMissingFields"`
	Failed              int `json:"failed"`
}

// BackfillResult is the admin endpoint's response payload.
type BackfillResult struct {
	Limit  int            `json:"limit"`
	Counts BackfillCounts `json:"counts"`
	RunIDs []string       `json:"runIds"`
}

// Backfiller schedules follow-up runs for ledger rows that predate
// scheduling.
type Backfiller struct {
	payments *store.PaymentStore
	runs     *store.FollowupRunStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewBackfiller(payments *store.PaymentStore, runs *store.FollowupRunStore, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		payments: payments,
		runs:     runs,
		logger:   logger,
		now:      time.Now,
	}
}

// Run scans both ledgers for rows with a buyer email and no email
// timestamps, stamps thank_you_email_sent_at with the purchase time as the
// best available approximation, and schedules a run at purchased_at + 7d
// (immediately when already past due).
func (b *Backfiller) Run(limit int) (*BackfillResult, error) {
	if limit < 1 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}

	res := &BackfillResult{Limit: limit, RunIDs: []string{}}

	for _, source := range []model.Source{model.SourceStripe, model.SourcePayPal} {
		candidates, err := b.payments.BackfillCandidates(source, limit)
		if err != nil {
			return nil, fmt.Errorf("list backfill candidates: %w", err)
		}
		for _, p := range candidates {
			res.Counts.Considered++
			b.backfillOne(source, p, res)
		}
	}

	return res, nil
}

func (b *Backfiller) backfillOne(source model.Source, p model.Payment, res *BackfillResult) {
	if p.BuyerEmail == nil || p.TransactionID == "" || !p.PurchaseType.EligibleForFollowup() {
		res.Counts.SkippedMissingField++
		return
	}

	// Historical rows never had a thank-you send; record the purchase time
	// so the row drops out of future backfill scans.
	if _, err := b.payments.MarkThankYouSent(source, p.TransactionID, "", p.PurchasedAt); err != nil {
		b.logger.Error("backfill thank-you stamp",
			"source", source, "transaction_id", p.TransactionID, "error", err)
		res.Counts.Failed++
		return
	}

	runAt := p.PurchasedAt.Add(followupRunDelay)
	if now := b.now(); runAt.Before(now) {
		runAt = now
	}

	buyerName := "there"
	if p.BuyerName != nil && *p.BuyerName != "" {
		buyerName = *p.BuyerName
	}

	runID, err := b.runs.Schedule(source, p.TransactionID, *p.BuyerEmail, buyerName, p.PurchaseType, p.Platform, runAt)
	if err != nil {
		b.logger.Error("backfill schedule run",
			"source", source, "transaction_id", p.TransactionID, "error", err)
		res.Counts.Failed++
		return
	}

	res.Counts.Scheduled++
	res.RunIDs = append(res.RunIDs, runID)
}
