package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

// PaymentStore persists ledger rows. Each payment source has its own table
// with source-local ids, so every method takes the source explicitly.
type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func tableFor(source model.Source) string {
	if source == model.SourceStripe {
		return "stripe_payments"
	}
	return "paypal_payments"
}

const paymentCols = `id, transaction_id, buyer_email, buyer_name, purchase_type, amount, platform,
	claimed_by, claimed_at, purchased_at,
	thank_you_email_sent_at, thank_you_email_message_id,
	followup_email_sent_at, followup_email_message_id,
	metadata, created_at, updated_at`

func scanPayment(scanner interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var buyerEmail, buyerName, amount, claimedBy, thankYouMsgID, followupMsgID sql.NullString
	var claimedAt, thankYouSentAt, followupSentAt sql.NullTime
	var metadata string

	err := scanner.Scan(
		&p.ID, &p.TransactionID, &buyerEmail, &buyerName, &p.PurchaseType, &amount, &p.Platform,
		&claimedBy, &claimedAt, &p.PurchasedAt,
		&thankYouSentAt, &thankYouMsgID,
		&followupSentAt, &followupMsgID,
		&metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if buyerEmail.Valid {
		p.BuyerEmail = &buyerEmail.String
	}
	if buyerName.Valid {
		p.BuyerName = &buyerName.String
	}
	if amount.Valid {
		p.Amount = &amount.String
	}
	if claimedBy.Valid {
		p.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		p.ClaimedAt = &claimedAt.Time
	}
	if thankYouSentAt.Valid {
		p.ThankYouEmailSentAt = &thankYouSentAt.Time
	}
	if thankYouMsgID.Valid {
		p.ThankYouEmailMessageID = &thankYouMsgID.String
	}
	if followupSentAt.Valid {
		p.FollowupEmailSentAt = &followupSentAt.Time
	}
	if followupMsgID.Valid {
		p.FollowupEmailMessageID = &followupMsgID.String
	}

	p.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal payment metadata: %w", err)
		}
	}

	return &p, nil
}

// Create inserts a ledger row keyed by transaction id. Webhook deliveries
// are retried by providers, so an existing row for the same transaction is
// not an error: the existing row is returned with duplicate=true and nothing
// is written.
func (s *PaymentStore) Create(source model.Source, info model.PaymentInfo, purchasedAt time.Time, metadata map[string]any) (payment *model.Payment, duplicate bool, err error) {
	if info.TransactionID == nil || *info.TransactionID == "" {
		return nil, false, fmt.Errorf("create payment: missing transaction id")
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payment metadata: %w", err)
	}

	table := tableFor(source)
	result, err := s.db.Exec(
		`INSERT INTO `+table+` (transaction_id, buyer_email, buyer_name, purchase_type, amount, platform, purchased_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(transaction_id) DO NOTHING`,
		*info.TransactionID, nullable(info.BuyerEmail), nullable(info.BuyerName),
		string(info.PurchaseType), nullable(info.Amount), string(info.Platform),
		purchasedAt.UTC(), string(metadataJSON),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetByTransactionID(source, *info.TransactionID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	created, err := s.GetByTransactionID(source, *info.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *PaymentStore) GetByID(source model.Source, id int64) (*model.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentCols+` FROM `+tableFor(source)+` WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) GetByTransactionID(source model.Source, transactionID string) (*model.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentCols+` FROM `+tableFor(source)+` WHERE transaction_id = ?`, transactionID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by transaction id: %w", err)
	}
	return p, nil
}

// Claim atomically binds a payment row to a user. The conditional update
// only matches while claimed_by is still null, so for any number of
// concurrent callers exactly one observes a row change; everyone else gets
// nil. This single statement is the locking discipline for the whole claim
// protocol; never replace it with a read-then-write pair.
func (s *PaymentStore) Claim(source model.Source, id int64, userID string) (*model.Payment, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE `+tableFor(source)+` SET claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND claimed_by IS NULL`,
		userID, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Not found or already claimed; the caller cannot tell which, and
		// neither can we without a racy second query.
		return nil, nil
	}
	return s.GetByID(source, id)
}

// MarkThankYouSent stamps the initial-notification timestamp, only if it is
// still unset. Returns whether this call did the stamping.
func (s *PaymentStore) MarkThankYouSent(source model.Source, transactionID, messageID string, sentAt time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE `+tableFor(source)+` SET thank_you_email_sent_at = ?, thank_you_email_message_id = ?, updated_at = ?
		 WHERE transaction_id = ? AND thank_you_email_sent_at IS NULL`,
		sentAt.UTC(), messageID, time.Now().UTC(), transactionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark thank-you sent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkFollowupSent stamps the follow-up timestamp, conditioned on it still
// being null so two racing workflow executions cannot both record a send.
func (s *PaymentStore) MarkFollowupSent(source model.Source, transactionID, messageID string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE `+tableFor(source)+` SET followup_email_sent_at = ?, followup_email_message_id = ?, updated_at = ?
		 WHERE transaction_id = ? AND followup_email_sent_at IS NULL`,
		now, messageID, now, transactionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark follow-up sent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListUnclaimedByEmail returns unclaimed payments matching a buyer email,
// newest first. Used by the claim page to show what a user can claim.
func (s *PaymentStore) ListUnclaimedByEmail(source model.Source, email string) ([]model.Payment, error) {
	rows, err := s.db.Query(
		`SELECT `+paymentCols+` FROM `+tableFor(source)+`
		 WHERE buyer_email = ? AND claimed_by IS NULL
		 ORDER BY purchased_at DESC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("list unclaimed payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// BackfillCandidates returns historical rows that predate follow-up
// scheduling: buyer email present, neither email timestamp set, and a real
// product purchase type.
func (s *PaymentStore) BackfillCandidates(source model.Source, limit int) ([]model.Payment, error) {
	rows, err := s.db.Query(
		`SELECT `+paymentCols+` FROM `+tableFor(source)+`
		 WHERE buyer_email IS NOT NULL
		   AND followup_email_sent_at IS NULL
		   AND thank_you_email_sent_at IS NULL
		   AND purchase_type != ?
		 ORDER BY purchased_at ASC
		 LIMIT ?`,
		string(purchase.TypeOther), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backfill candidates: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
