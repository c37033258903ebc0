// Package backup ships encrypted copies of the ledger database to
// S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3            S3Config
	DBPath        string
	Passphrase    string
	SaltHex       string
	Interval      time.Duration
	RetentionDays int
}

// Manager runs scheduled encrypted backups of the ledger database.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	db      *sql.DB
	backups *store.BackupStore
	client  s3Client
	logger  *slog.Logger
	salt    []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. A manager without S3 credentials or
// a passphrase stays disabled.
func NewManager(cfg Config, db *sql.DB, backups *store.BackupStore, logger *slog.Logger) (*Manager, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	m := &Manager{
		cfg:     cfg,
		db:      db,
		backups: backups,
		logger:  logger,
	}

	if !m.Enabled() {
		return m, nil
	}

	salt, err := hex.DecodeString(cfg.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("decode backup salt: %w", err)
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("backup salt must be %d bytes, got %d", saltSize, len(salt))
	}
	m.salt = salt
	m.client = newS3Client(cfg.S3)
	return m, nil
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether backups are fully configured.
func (m *Manager) Enabled() bool {
	return m.cfg.S3.Bucket != "" && m.cfg.S3.AccessKey != "" &&
		m.cfg.S3.SecretKey != "" && m.cfg.Passphrase != "" && m.cfg.SaltHex != ""
}

// Start begins the scheduled backup loop. A disabled manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Info("backups disabled: missing S3 credentials or passphrase")
		return
	}

	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunNow(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
				if err := m.Cleanup(ctx); err != nil {
					m.logger.Error("backup cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the backup loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunNow performs one backup and returns the encrypted snapshot size in
// bytes.
func (m *Manager) RunNow(ctx context.Context) (int64, error) {
	if !m.Enabled() {
		return 0, fmt.Errorf("backup not configured")
	}

	timestamp := time.Now().UTC().Format("2006-01-02T150405Z")
	filename := fmt.Sprintf("ledger-%s.db.enc", timestamp)
	s3Key := "ledger/" + filename

	record, err := m.backups.Create(filename, s3Key)
	if err != nil {
		return 0, fmt.Errorf("create backup record: %w", err)
	}

	if err := m.backups.UpdateStatus(record.ID, model.BackupStatusUploading, ""); err != nil {
		m.logger.Error("update backup status", "backup_id", record.ID, "error", err)
	}

	size, err := m.upload(ctx, s3Key)
	if err != nil {
		if markErr := m.backups.UpdateStatus(record.ID, model.BackupStatusFailed, err.Error()); markErr != nil {
			m.logger.Error("mark backup failed", "backup_id", record.ID, "error", markErr)
		}
		return 0, err
	}

	if err := m.backups.SetSize(record.ID, size); err != nil {
		m.logger.Error("record backup size", "backup_id", record.ID, "error", err)
	}
	if err := m.backups.UpdateStatus(record.ID, model.BackupStatusCompleted, ""); err != nil {
		m.logger.Error("mark backup completed", "backup_id", record.ID, "error", err)
	}

	m.logger.Info("backup uploaded", "backup_id", record.ID, "key", s3Key, "size_bytes", size)
	return size, nil
}

func (m *Manager) upload(ctx context.Context, s3Key string) (int64, error) {
	// Truncate the WAL so the main file alone is a consistent snapshot.
	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, fmt.Errorf("wal checkpoint: %w", err)
	}

	plaintext, err := os.ReadFile(m.cfg.DBPath)
	if err != nil {
		return 0, fmt.Errorf("read database: %w", err)
	}

	encrypted, err := Encrypt(plaintext, m.cfg.Passphrase, m.salt)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(s3Key),
		Body:          bytes.NewReader(encrypted),
		ContentLength: aws.Int64(int64(len(encrypted))),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}

	return int64(len(encrypted)), nil
}

// Cleanup deletes backups past the retention window, both the records and
// the S3 objects.
func (m *Manager) Cleanup(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	old, err := m.backups.ListOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("list old backups: %w", err)
	}

	for _, b := range old {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(b.S3Key),
		}); err != nil {
			m.logger.Error("delete s3 object", "key", b.S3Key, "error", err)
			continue
		}
		if err := m.backups.Delete(b.ID); err != nil {
			m.logger.Error("delete backup record", "backup_id", b.ID, "error", err)
		}
	}

	return nil
}
