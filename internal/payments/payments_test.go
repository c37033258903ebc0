package payments

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oraxen/licensing/internal/database"
	"github.com/oraxen/licensing/internal/model"
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

func strptr(s string) *string {
	return &s
}

type stubEmail struct {
	mu         sync.Mutex
	configured bool
	fail       bool
	sent       []string
}

func (s *stubEmail) Configured() bool { return s.configured }

func (s *stubEmail) SendThankYou(toEmail, buyerName string, purchaseType purchase.Type, amount string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("postmark unavailable")
	}
	s.sent = append(s.sent, toEmail)
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

type stubGranter struct {
	configured bool
	granted    [][]purchase.Type
	err        error
}

func (s *stubGranter) Configured() bool { return s.configured }

func (s *stubGranter) GrantRolesForLicenses(discordUserID string, types []purchase.Type) error {
	s.granted = append(s.granted, types)
	return s.err
}

func testInfo(txID string) model.PaymentInfo {
	return model.PaymentInfo{
		BuyerEmail:    strptr("jane@example.com"),
		BuyerName:     strptr("Jane Doe"),
		TransactionID: strptr(txID),
		Amount:        strptr("€49.99 EUR"),
		PurchaseType:  purchase.TypeOraxen,
		Platform:      model.PlatformSpigot,
	}
}

func newTestProcessor(t *testing.T, db *sql.DB, email *stubEmail) (*Processor, *store.PaymentStore, *store.FollowupRunStore) {
	t.Helper()
	payments := store.NewPaymentStore(db)
	runs := store.NewFollowupRunStore(db)
	hub := ws.NewHub(slog.Default())
	return NewProcessor(payments, runs, email, hub, slog.Default()), payments, runs
}

func TestProcessFirstDelivery(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true}
	proc, payments, runs := newTestProcessor(t, db, email)

	purchasedAt := time.Now().Add(-time.Hour)
	res, err := proc.Process(model.SourcePayPal, testInfo("TX-1"), purchasedAt, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Duplicate {
		t.Error("first delivery reported as duplicate")
	}
	if !res.ThankYouSent {
		t.Error("thank-you not sent")
	}
	if len(email.sent) != 1 || email.sent[0] != "jane@example.com" {
		t.Errorf("sent = %v", email.sent)
	}
	if res.RunID == "" {
		t.Fatal("no followup run scheduled")
	}

	p, err := payments.GetByTransactionID(model.SourcePayPal, "TX-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ThankYouEmailSentAt == nil {
		t.Error("thank_you_email_sent_at not stamped")
	}

	run, err := runs.GetByID(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("run row missing")
	}
	wantRunAt := purchasedAt.Add(followupDelay)
	if diff := run.RunAt.Sub(wantRunAt); diff < -time.Second || diff > time.Second {
		t.Errorf("run_at = %v, want about %v", run.RunAt, wantRunAt)
	}
}

func TestProcessDuplicateHasNoSideEffects(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true}
	proc, _, runs := newTestProcessor(t, db, email)

	if _, err := proc.Process(model.SourceStripe, testInfo("TX-2"), time.Now(), nil); err != nil {
		t.Fatal(err)
	}
	res, err := proc.Process(model.SourceStripe, testInfo("TX-2"), time.Now(), nil)
	if err != nil {
		t.Fatalf("process redelivery: %v", err)
	}
	if !res.Duplicate {
		t.Error("redelivery not reported as duplicate")
	}
	if res.ThankYouSent {
		t.Error("redelivery sent another email")
	}
	if len(email.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(email.sent))
	}

	due, err := runs.Due(time.Now().Add(30*24*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("scheduled %d runs, want 1", len(due))
	}
}

func TestProcessEmailFailureLeavesStampUnset(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true, fail: true}
	proc, payments, _ := newTestProcessor(t, db, email)

	res, err := proc.Process(model.SourcePayPal, testInfo("TX-3"), time.Now(), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.ThankYouSent {
		t.Error("failed send reported as sent")
	}

	p, err := payments.GetByTransactionID(model.SourcePayPal, "TX-3")
	if err != nil {
		t.Fatal(err)
	}
	if p.ThankYouEmailSentAt != nil {
		t.Error("failed send stamped thank_you_email_sent_at")
	}
}

func TestProcessIneligiblePurchaseSchedulesNothing(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true}
	proc, _, _ := newTestProcessor(t, db, email)

	info := testInfo("TX-4")
	info.PurchaseType = purchase.TypeOther
	res, err := proc.Process(model.SourcePayPal, info, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RunID != "" {
		t.Error("scheduled a run for an unknown product")
	}
}

func TestProcessMissingEmail(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true}
	proc, _, _ := newTestProcessor(t, db, email)

	info := testInfo("TX-5")
	info.BuyerEmail = nil
	res, err := proc.Process(model.SourcePayPal, info, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ThankYouSent || res.RunID != "" {
		t.Error("payment without email triggered email side effects")
	}
	if len(email.sent) != 0 {
		t.Errorf("sent = %v", email.sent)
	}
}

func TestProcessOldPurchaseRunsImmediately(t *testing.T) {
	db := setupTestDB(t)
	email := &stubEmail{configured: true}
	proc, _, runs := newTestProcessor(t, db, email)

	// Purchased two weeks ago; the follow-up is due now, not in the past.
	res, err := proc.Process(model.SourcePayPal, testInfo("TX-6"), time.Now().Add(-14*24*time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	run, err := runs.GetByID(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.RunAt.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("run_at = %v, want clamped to now", run.RunAt)
	}
}

func newTestClaimer(t *testing.T, db *sql.DB, granter RoleGranter) (*Claimer, *store.PaymentStore, *store.ProfileStore, *store.LicenseStore) {
	t.Helper()
	payments := store.NewPaymentStore(db)
	profiles := store.NewProfileStore(db)
	licenses := store.NewLicenseStore(db)
	hub := ws.NewHub(slog.Default())
	return NewClaimer(payments, profiles, licenses, granter, hub, slog.Default()), payments, profiles, licenses
}

func createPayment(t *testing.T, payments *store.PaymentStore, source model.Source, txID string) *model.Payment {
	t.Helper()
	p, _, err := payments.Create(source, testInfo(txID), time.Now(), nil)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func TestClaimCreatesLicenseAndProfile(t *testing.T) {
	db := setupTestDB(t)
	claimer, payments, profiles, _ := newTestClaimer(t, db, &stubGranter{})
	p := createPayment(t, payments, model.SourcePayPal, "TX-C1")

	license, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, p.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if license.LicenseType != purchase.TypeOraxen {
		t.Errorf("license type = %q", license.LicenseType)
	}
	if license.Metadata["transaction_id"] != "TX-C1" {
		t.Errorf("metadata = %v", license.Metadata)
	}
	if license.Metadata["payment_source"] != "paypal" {
		t.Errorf("payment_source = %v", license.Metadata["payment_source"])
	}

	profile, err := profiles.GetByID("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if profile == nil || profile.Email != "jane@example.com" {
		t.Errorf("profile = %+v", profile)
	}

	claimed, err := payments.GetByID(model.SourcePayPal, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != "user-1" {
		t.Errorf("claimed_by = %v", claimed.ClaimedBy)
	}
}

func TestClaimAlreadyClaimed(t *testing.T) {
	db := setupTestDB(t)
	claimer, payments, _, _ := newTestClaimer(t, db, &stubGranter{})
	p := createPayment(t, payments, model.SourcePayPal, "TX-C2")

	if _, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, p.ID); err != nil {
		t.Fatal(err)
	}
	_, err := claimer.Claim(Identity{UserID: "user-2", Email: "bob@example.com"}, model.SourcePayPal, p.ID)
	if !errors.Is(err, ErrNotFoundOrClaimed) {
		t.Errorf("err = %v, want ErrNotFoundOrClaimed", err)
	}
}

func TestClaimUnknownPayment(t *testing.T) {
	db := setupTestDB(t)
	claimer, _, _, _ := newTestClaimer(t, db, &stubGranter{})

	_, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, 404)
	if !errors.Is(err, ErrNotFoundOrClaimed) {
		t.Errorf("err = %v, want ErrNotFoundOrClaimed", err)
	}
}

func TestClaimDuplicateLicense(t *testing.T) {
	db := setupTestDB(t)
	claimer, payments, profiles, licenses := newTestClaimer(t, db, &stubGranter{})

	// Same transaction recorded in both ledgers; the first claim wins, the
	// second hits the license guard even though its row claim succeeded.
	paypalRow := createPayment(t, payments, model.SourcePayPal, "TX-C3")
	stripeRow := createPayment(t, payments, model.SourceStripe, "TX-C3")

	if _, err := profiles.Create("user-1", "jane@example.com", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, paypalRow.ID); err != nil {
		t.Fatal(err)
	}

	_, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourceStripe, stripeRow.ID)
	if !errors.Is(err, ErrLicenseExists) {
		t.Fatalf("err = %v, want ErrLicenseExists", err)
	}

	// The stripe row stays claimed.
	row, err := payments.GetByID(model.SourceStripe, stripeRow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.ClaimedBy == nil {
		t.Error("refused claim rolled back the row claim")
	}

	got, err := licenses.ListByUser("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("user has %d licenses, want 1", len(got))
	}
}

func TestClaimConcurrentExactlyOneLicense(t *testing.T) {
	db := setupTestDB(t)
	claimer, payments, _, licenses := newTestClaimer(t, db, &stubGranter{})
	p := createPayment(t, payments, model.SourceStripe, "TX-RACE")

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := Identity{UserID: fmt.Sprintf("user-%d", i), Email: fmt.Sprintf("u%d@example.com", i)}
			_, errs[i] = claimer.Claim(identity, model.SourceStripe, p.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotFoundOrClaimed):
			losses++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
	if losses != contenders-1 {
		t.Errorf("got %d losers, want %d", losses, contenders-1)
	}

	got, err := licenses.GetByTransactionID("TX-RACE")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no license created")
	}
}

func TestClaimGrantsDiscordRole(t *testing.T) {
	db := setupTestDB(t)
	granter := &stubGranter{configured: true}
	claimer, payments, profiles, _ := newTestClaimer(t, db, granter)
	p := createPayment(t, payments, model.SourcePayPal, "TX-C4")

	if _, err := profiles.Create("user-1", "jane@example.com", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := profiles.SetDiscordID("user-1", strptr("discord-42")); err != nil {
		t.Fatal(err)
	}

	if _, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, p.ID); err != nil {
		t.Fatal(err)
	}
	if len(granter.granted) != 1 {
		t.Fatalf("granted %d times, want 1", len(granter.granted))
	}
	if granter.granted[0][0] != purchase.TypeOraxen {
		t.Errorf("granted types = %v", granter.granted[0])
	}
}

func TestClaimDiscordFailureIsNotFatal(t *testing.T) {
	db := setupTestDB(t)
	granter := &stubGranter{configured: true, err: errors.New("discord down")}
	claimer, payments, profiles, _ := newTestClaimer(t, db, granter)
	p := createPayment(t, payments, model.SourcePayPal, "TX-C5")

	if _, err := profiles.Create("user-1", "jane@example.com", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := profiles.SetDiscordID("user-1", strptr("discord-42")); err != nil {
		t.Fatal(err)
	}

	if _, err := claimer.Claim(Identity{UserID: "user-1", Email: "jane@example.com"}, model.SourcePayPal, p.ID); err != nil {
		t.Fatalf("claim failed on discord error: %v", err)
	}
}

func TestCleanupDuplicateLicenses(t *testing.T) {
	db := setupTestDB(t)
	claimer, _, profiles, licenses := newTestClaimer(t, db, &stubGranter{})

	if _, err := profiles.Create("user-1", "jane@example.com", nil, nil); err != nil {
		t.Fatal(err)
	}

	keep, err := licenses.Create("user-1", purchase.TypeOraxen, map[string]any{"transaction_id": "TX-D1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := licenses.Create("user-1", purchase.TypeOraxen, map[string]any{"transaction_id": "TX-D1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := licenses.Create("user-1", purchase.TypeHackedServer, map[string]any{"transaction_id": "TX-D2"}); err != nil {
		t.Fatal(err)
	}
	// No transaction id: never considered a duplicate.
	if _, err := licenses.Create("user-1", purchase.TypeOraxenStudio, map[string]any{"granted_via": "followup_workflow"}); err != nil {
		t.Fatal(err)
	}

	res, err := claimer.CleanupDuplicateLicenses("user-1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", res.Deleted)
	}
	if res.Remaining != 3 {
		t.Errorf("remaining = %d, want 3", res.Remaining)
	}

	got, err := licenses.GetByTransactionID("TX-D1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != keep.ID {
		t.Errorf("cleanup kept license %v, want earliest %d", got, keep.ID)
	}
}
