// Package sqlite persists records in a single SQLite file through GORM, using
// the pure Go glebarez driver so the binary stays cgo free.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dgduncan/go-offline-sync/stores"
)

// Record is the row layout of the records table.
type Record struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// TableName overrides the GORM default.
func (Record) TableName() string {
	return "offlinesync_records"
}

// Config contains SQLite store configuration.
type Config struct {
	// Path is the database file. The parent directory is created if missing.
	Path string

	// MaxBytes bounds the summed size of all values. Zero disables the quota.
	MaxBytes int
}

// Store implements stores.Store using GORM over SQLite.
type Store struct {
	db       *gorm.DB
	maxBytes int
}

var _ stores.Store = (*Store)(nil)

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", stores.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}

	return rec.Value, nil
}

// Set upserts value under key. The quota check and the write share one
// transaction so concurrent writers cannot overshoot the limit.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.maxBytes > 0 {
			var others int64
			if err := tx.Model(&Record{}).
				Select("COALESCE(SUM(LENGTH(value)), 0)").
				Where("key <> ?", key).
				Scan(&others).Error; err != nil {
				return fmt.Errorf("failed to measure usage: %w", err)
			}

			if int(others)+len(value) > s.maxBytes {
				return stores.QuotaError{Key: key, Size: len(value), Limit: s.maxBytes}
			}
		}

		rec := Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to store %q: %w", key, err)
		}
		return nil
	})
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open opens the database file and migrates the records table.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, stores.ValidationError{Reason: "missing path"}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for concurrent readers, busy_timeout to ride out writer locks
	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &Store{db: db, maxBytes: config.MaxBytes}, nil
}
