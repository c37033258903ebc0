package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

// FollowupRunStore persists scheduled follow-up workflow runs. Rows stand in
// for the durable-execution facility: the worker polls for due runs, and a
// run survives process restarts because everything it needs is in the row.
type FollowupRunStore struct {
	db *sql.DB
}

func NewFollowupRunStore(db *sql.DB) *FollowupRunStore {
	return &FollowupRunStore{db: db}
}

const followupRunCols = `id, source, transaction_id, buyer_email, buyer_name, purchase_type, platform,
	run_at, status, attempts, result, last_error, created_at, updated_at`

func scanFollowupRun(scanner interface{ Scan(...any) error }) (*model.FollowupRun, error) {
	var r model.FollowupRun
	var result, lastError sql.NullString
	err := scanner.Scan(
		&r.ID, &r.Source, &r.TransactionID, &r.BuyerEmail, &r.BuyerName, &r.PurchaseType, &r.Platform,
		&r.RunAt, &r.Status, &r.Attempts, &result, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if result.Valid {
		r.Result = &result.String
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

// Schedule creates a pending run due at runAt and returns its id.
func (s *FollowupRunStore) Schedule(source model.Source, transactionID, buyerEmail, buyerName string, purchaseType purchase.Type, platform model.Platform, runAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO followup_runs (id, source, transaction_id, buyer_email, buyer_name, purchase_type, platform, run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(source), transactionID, buyerEmail, buyerName, string(purchaseType), string(platform), runAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("schedule followup run: %w", err)
	}
	return id, nil
}

func (s *FollowupRunStore) GetByID(id string) (*model.FollowupRun, error) {
	row := s.db.QueryRow(`SELECT `+followupRunCols+` FROM followup_runs WHERE id = ?`, id)
	r, err := scanFollowupRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get followup run: %w", err)
	}
	return r, nil
}

// Due returns pending runs whose run_at has passed, oldest first.
func (s *FollowupRunStore) Due(now time.Time, limit int) ([]model.FollowupRun, error) {
	rows, err := s.db.Query(
		`SELECT `+followupRunCols+` FROM followup_runs
		 WHERE status = ? AND run_at <= ?
		 ORDER BY run_at ASC
		 LIMIT ?`,
		string(model.RunStatusPending), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due followup runs: %w", err)
	}
	defer rows.Close()

	var runs []model.FollowupRun
	for rows.Next() {
		r, err := scanFollowupRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan followup run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ClaimForExecution transitions a run pending → running and bumps the
// attempt counter. Zero rows affected means another worker got there first.
func (s *FollowupRunStore) ClaimForExecution(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE followup_runs SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.RunStatusRunning), time.Now().UTC(), id, string(model.RunStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim followup run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *FollowupRunStore) MarkCompleted(id, result string) error {
	_, err := s.db.Exec(
		`UPDATE followup_runs SET status = ?, result = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(model.RunStatusCompleted), result, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark followup run completed: %w", err)
	}
	return nil
}

// Reschedule puts a running run back to pending with a later due time,
// recording the error that caused the retry.
func (s *FollowupRunStore) Reschedule(id string, runAt time.Time, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE followup_runs SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusPending), runAt.UTC(), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule followup run: %w", err)
	}
	return nil
}

// ReclaimStale returns runs stuck in running back to pending. A run only
// stays running this long when the process died mid-execution, so without
// the reclaim it would be lost forever: Due selects pending only.
func (s *FollowupRunStore) ReclaimStale(olderThan time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE followup_runs SET status = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(model.RunStatusPending), "reclaimed after worker crash", time.Now().UTC(),
		string(model.RunStatusRunning), olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale followup runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *FollowupRunStore) MarkFailed(id, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE followup_runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark followup run failed: %w", err)
	}
	return nil
}
