package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseCols = `id, user_id, license_type, is_active, expires_at, metadata, created_at, updated_at`

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var expiresAt sql.NullTime
	var metadata string
	err := scanner.Scan(&l.ID, &l.UserID, &l.LicenseType, &l.IsActive, &expiresAt, &metadata, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		l.ExpiresAt = &expiresAt.Time
	}
	l.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &l.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal license metadata: %w", err)
		}
	}
	return &l, nil
}

func (s *LicenseStore) Create(userID string, licenseType purchase.Type, metadata map[string]any) (*model.License, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal license metadata: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT INTO licenses (user_id, license_type, is_active, metadata) VALUES (?, ?, 1, ?)`,
		userID, string(licenseType), string(metadataJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *LicenseStore) GetByID(id int64) (*model.License, error) {
	row := s.db.QueryRow(`SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

// GetByTransactionID finds a license whose metadata embeds the given
// transaction id. This is the claim protocol's duplicate guard; there is
// deliberately no uniqueness constraint behind it, so it is best-effort
// under truly concurrent license inserts.
func (s *LicenseStore) GetByTransactionID(transactionID string) (*model.License, error) {
	row := s.db.QueryRow(
		`SELECT `+licenseCols+` FROM licenses WHERE json_extract(metadata, '$.transaction_id') = ? LIMIT 1`,
		transactionID,
	)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by transaction id: %w", err)
	}
	return l, nil
}

// GetActiveByType returns the user's active license of the given type, if any.
func (s *LicenseStore) GetActiveByType(userID string, licenseType purchase.Type) (*model.License, error) {
	row := s.db.QueryRow(
		`SELECT `+licenseCols+` FROM licenses WHERE user_id = ? AND license_type = ? AND is_active = 1 LIMIT 1`,
		userID, string(licenseType),
	)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active license by type: %w", err)
	}
	return l, nil
}

// ListByUser returns all of a user's licenses, oldest first. The cleanup
// endpoint depends on this ordering to keep the earliest license per
// transaction.
func (s *LicenseStore) ListByUser(userID string) ([]model.License, error) {
	rows, err := s.db.Query(
		`SELECT `+licenseCols+` FROM licenses WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

func (s *LicenseStore) DeleteMany(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.Exec(`DELETE FROM licenses WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete licenses: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *LicenseStore) SetActive(id int64, active bool) error {
	_, err := s.db.Exec(
		`UPDATE licenses SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set license active: %w", err)
	}
	return nil
}

func (s *LicenseStore) UpdateExpiry(id int64, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE licenses SET expires_at = ?, updated_at = ? WHERE id = ?`,
		expiresAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update license expiry: %w", err)
	}
	return nil
}
