package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oraxen/licensing/internal/model"
)

type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

const backupCols = `id, filename, s3_key, status, size_bytes, error, created_at, updated_at`

func scanBackup(scanner interface{ Scan(...any) error }) (*model.LedgerBackup, error) {
	var b model.LedgerBackup
	err := scanner.Scan(&b.ID, &b.Filename, &b.S3Key, &b.Status, &b.SizeBytes, &b.Error, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BackupStore) Create(filename, s3Key string) (*model.LedgerBackup, error) {
	result, err := s.db.Exec(
		`INSERT INTO ledger_backups (filename, s3_key) VALUES (?, ?)`,
		filename, s3Key,
	)
	if err != nil {
		return nil, fmt.Errorf("insert backup record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *BackupStore) GetByID(id int64) (*model.LedgerBackup, error) {
	row := s.db.QueryRow(`SELECT `+backupCols+` FROM ledger_backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup record: %w", err)
	}
	return b, nil
}

func (s *BackupStore) UpdateStatus(id int64, status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE ledger_backups SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	return nil
}

func (s *BackupStore) SetSize(id, sizeBytes int64) error {
	_, err := s.db.Exec(
		`UPDATE ledger_backups SET size_bytes = ?, updated_at = ? WHERE id = ?`,
		sizeBytes, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set backup size: %w", err)
	}
	return nil
}

// ListOlderThan returns completed backups created before the cutoff,
// oldest first. Used for retention cleanup.
func (s *BackupStore) ListOlderThan(cutoff time.Time) ([]model.LedgerBackup, error) {
	rows, err := s.db.Query(
		`SELECT `+backupCols+` FROM ledger_backups
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC`,
		model.BackupStatusCompleted, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list old backups: %w", err)
	}
	defer rows.Close()

	var backups []model.LedgerBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup record: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *BackupStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM ledger_backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup record: %w", err)
	}
	return nil
}
