package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/oraxen/licensing/internal/database"
	"github.com/oraxen/licensing/internal/payments"
	"github.com/oraxen/licensing/internal/purchase"
	"github.com/oraxen/licensing/internal/store"
	"github.com/oraxen/licensing/internal/ws"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type noEmail struct{}

func (noEmail) Configured() bool { return false }

func (noEmail) SendThankYou(toEmail, buyerName string, purchaseType purchase.Type, amount string) (string, error) {
	return "", errors.New("not configured")
}

type noDiscord struct{}

func (noDiscord) Configured() bool { return false }

func (noDiscord) GrantRolesForLicenses(discordUserID string, types []purchase.Type) error {
	return nil
}

type testEnv struct {
	db        *sql.DB
	payments  *store.PaymentStore
	profiles  *store.ProfileStore
	licenses  *store.LicenseStore
	runs      *store.FollowupRunStore
	processor *payments.Processor
	claimer   *payments.Claimer
	hub       *ws.Hub
	logger    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	logger := slog.Default()
	hub := ws.NewHub(logger)

	paymentStore := store.NewPaymentStore(db)
	profileStore := store.NewProfileStore(db)
	licenseStore := store.NewLicenseStore(db)
	runStore := store.NewFollowupRunStore(db)

	return &testEnv{
		db:        db,
		payments:  paymentStore,
		profiles:  profileStore,
		licenses:  licenseStore,
		runs:      runStore,
		processor: payments.NewProcessor(paymentStore, runStore, noEmail{}, hub, logger),
		claimer:   payments.NewClaimer(paymentStore, profileStore, licenseStore, noDiscord{}, hub, logger),
		hub:       hub,
		logger:    logger,
	}
}

// stubStripeClient decodes the payload without verifying the signature so
// handler tests can exercise the event dispatch directly.
type stubStripeClient struct {
	verifyErr error
}

func (s *stubStripeClient) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if s.verifyErr != nil {
		return stripe.Event{}, s.verifyErr
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}

func (s *stubStripeClient) RetrieveCustomer(id string) (*stripe.Customer, error) {
	return nil, errors.New("no customer lookup in tests")
}
