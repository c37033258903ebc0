package payments

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

var (
	// ErrNotFoundOrClaimed means the conditional claim update matched no
	// row. The caller cannot distinguish a bad id from a lost race.
	ErrNotFoundOrClaimed = errors.New("payment not found or already claimed")

	// ErrLicenseExists means a license already embeds this transaction id.
	// The payment stays claimed; only the license insert is refused.
	ErrLicenseExists = errors.New("license already exists for this transaction")
)

// RoleGranter grants Discord guild roles for license types.
type RoleGranter interface {
	Configured() bool
	GrantRolesForLicenses(discordUserID string, types []purchase.Type) error
}

// Identity is who is claiming, taken from the authenticated session.
type Identity struct {
	UserID string
	Email  string
}

// Claimer turns claimed ledger rows into licenses.
type Claimer struct {
	payments *store.PaymentStore
	profiles *store.ProfileStore
	licenses *store.LicenseStore
	discord  RoleGranter
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewClaimer(payments *store.PaymentStore, profiles *store.ProfileStore, licenses *store.LicenseStore, discord RoleGranter, hub *ws.Hub, logger *slog.Logger) *Claimer {
	return &Claimer{
		payments: payments,
		profiles: profiles,
		licenses: licenses,
		discord:  discord,
		hub:      hub,
		logger:   logger,
	}
}

// Claim binds a payment to the claiming user and grants the matching
// license. The conditional update in the store is the only synchronization:
// whoever lands it owns the payment, everyone else gets
// ErrNotFoundOrClaimed.
func (c *Claimer) Claim(identity Identity, source model.Source, paymentID int64) (*model.License, error) {
	// claimed_by references profiles, so the profile has to exist before
	// the conditional update runs.
	if err := c.ensureProfile(identity); err != nil {
		return nil, err
	}

	payment, err := c.payments.Claim(source, paymentID, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("claim payment: %w", err)
	}
	if payment == nil {
		return nil, ErrNotFoundOrClaimed
	}

	// The ledger has no uniqueness constraint on licenses per transaction,
	// so this check is the guard against double grants across sources.
	existing, err := c.licenses.GetByTransactionID(payment.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("check existing license: %w", err)
	}
	if existing != nil {
		return nil, ErrLicenseExists
	}

	metadata := map[string]any{
		"transaction_id": payment.TransactionID,
		"payment_source": string(source),
		"claimed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if payment.BuyerEmail != nil {
		metadata["buyer_email"] = *payment.BuyerEmail
	}
	if payment.BuyerName != nil {
		metadata["buyer_name"] = *payment.BuyerName
	}
	if payment.Amount != nil {
		metadata["amount"] = *payment.Amount
	}

	license, err := c.licenses.Create(identity.UserID, payment.PurchaseType, metadata)
	if err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}

	c.hub.Broadcast(ws.PaymentClaimed(source, payment.TransactionID, payment.PurchaseType, identity.UserID))
	c.grantDiscordRoles(identity.UserID, payment.PurchaseType)

	c.logger.Info("payment claimed",
		"source", source, "transaction_id", payment.TransactionID,
		"user_id", identity.UserID, "license_type", payment.PurchaseType)

	return license, nil
}

func (c *Claimer) ensureProfile(identity Identity) error {
	profile, err := c.profiles.GetByID(identity.UserID)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	if profile != nil {
		return nil
	}
	if _, err := c.profiles.Create(identity.UserID, identity.Email, nil, nil); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// grantDiscordRoles is best-effort. A Discord outage never fails a claim.
func (c *Claimer) grantDiscordRoles(userID string, licenseType purchase.Type) {
	if c.discord == nil || !c.discord.Configured() {
		return
	}
	profile, err := c.profiles.GetByID(userID)
	if err != nil || profile == nil || profile.DiscordID == nil {
		return
	}
	if err := c.discord.GrantRolesForLicenses(*profile.DiscordID, []purchase.Type{licenseType}); err != nil {
		c.logger.Error("grant discord role", "user_id", userID, "error", err)
	}
}

// CleanupResult reports what CleanupDuplicateLicenses removed.
type CleanupResult struct {
	Deleted   int64 `json:"deleted"`
	Remaining int   `json:"remaining"`
}

// CleanupDuplicateLicenses removes licenses sharing a metadata transaction
// id, keeping the earliest grant of each. Licenses without a transaction id
// are left alone.
func (c *Claimer) CleanupDuplicateLicenses(userID string) (*CleanupResult, error) {
	licenses, err := c.licenses.ListByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	seen := map[string]bool{}
	var toDelete []int64
	for _, l := range licenses {
		txID, ok := l.Metadata["transaction_id"].(string)
		if !ok || txID == "" {
			continue
		}
		if seen[txID] {
			toDelete = append(toDelete, l.ID)
			continue
		}
		seen[txID] = true
	}

	var deleted int64
	if len(toDelete) > 0 {
		deleted, err = c.licenses.DeleteMany(toDelete)
		if err != nil {
			return nil, fmt.Errorf("delete duplicate licenses: %w", err)
		}
	}

	return &CleanupResult{
		Deleted:   deleted,
		Remaining: len(licenses) - len(toDelete),
	}, nil
}
