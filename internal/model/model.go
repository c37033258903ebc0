package model

import (
	"time"

	"github.com/oraxen/licensing/internal/purchase"
)

// Source identifies which payment provider a ledger row came from. The two
// ledgers use source-local row ids, so every operation that addresses a
// payment by id must also carry its source.
type Source string

const (
	SourcePayPal Source = "paypal"
	SourceStripe Source = "stripe"
)

// ValidSource reports whether s names a known payment source.
func ValidSource(s Source) bool {
	return s == SourcePayPal || s == SourceStripe
}

// Platform is the marketplace a purchase was made on.
type Platform string

const (
	PlatformSpigot   Platform = "spigot"
	PlatformPolymart Platform = "polymart"
)

// PaymentInfo is the normalized result of parsing a webhook payload.
// Unmatched fields stay nil; validation is the caller's job.
type PaymentInfo struct {
	BuyerEmail    *string       `json:"buyerEmail"`
	BuyerName     *string       `json:"buyerName"`
	TransactionID *string       `json:"transactionId"`
	Amount        *string       `json:"amount"`
	PurchaseType  purchase.Type `json:"purchaseType"`
	Platform      Platform      `json:"platform"`
}

// Payment is one ledger row. claimed_by and followup_email_sent_at each
// transition null to set exactly once.
type Payment struct {
	ID                     int64          `json:"id"`
	TransactionID          string         `json:"transaction_id"`
	BuyerEmail             *string        `json:"buyer_email"`
	BuyerName              *string        `json:"buyer_name"`
	PurchaseType           purchase.Type  `json:"purchase_type"`
	Amount                 *string        `json:"amount"`
	Platform               Platform       `json:"platform"`
	ClaimedBy              *string        `json:"claimed_by"`
	ClaimedAt              *time.Time     `json:"claimed_at"`
	PurchasedAt            time.Time      `json:"purchased_at"`
	ThankYouEmailSentAt    *time.Time     `json:"thank_you_email_sent_at"`
	ThankYouEmailMessageID *string        `json:"thank_you_email_message_id"`
	FollowupEmailSentAt    *time.Time     `json:"followup_email_sent_at"`
	FollowupEmailMessageID *string        `json:"followup_email_message_id"`
	Metadata               map[string]any `json:"metadata"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	DiscordID *string   `json:"discord_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type License struct {
	ID          int64          `json:"id"`
	UserID      string         `json:"user_id"`
	LicenseType purchase.Type  `json:"license_type"`
	IsActive    bool           `json:"is_active"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RunStatus is the lifecycle state of a persisted follow-up run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// FollowupRun is one scheduled follow-up workflow execution. The run itself
// carries no idempotency key: re-scheduling the same transaction produces a
// second run that no-ops against the ledger's followup_email_sent_at gate.
type FollowupRun struct {
	ID            string        `json:"id"`
	Source        Source        `json:"source"`
	TransactionID string        `json:"transaction_id"`
	BuyerEmail    string        `json:"buyer_email"`
	BuyerName     string        `json:"buyer_name"`
	PurchaseType  purchase.Type `json:"purchase_type"`
	Platform      Platform      `json:"platform"`
	RunAt         time.Time     `json:"run_at"`
	Status        RunStatus     `json:"status"`
	Attempts      int           `json:"attempts"`
	Result        *string       `json:"result"`
	LastError     *string       `json:"last_error"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupStatus values for ledger_backups rows.
const (
	BackupStatusPending   = "pending"
	BackupStatusUploading = "uploading"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

type LedgerBackup struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	S3Key     string    `json:"s3_key"`
	Status    string    `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
