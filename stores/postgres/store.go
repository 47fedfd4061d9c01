package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dgduncan/go-offline-sync/stores"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed fetch_by_key.sql
	queryFetchByKey string
	//go:embed upsert_item.sql
	queryUpsertItem string
	//go:embed delete_item.sql
	queryDeleteItem string
)

// quotaCodes are the SQLSTATE classes that mean the write could not fit.
var quotaCodes = map[pq.ErrorCode]struct{}{
	"53100": {}, // disk_full
	"53200": {}, // out_of_memory
	"54000": {}, // program_limit_exceeded
}

// Config defines the configuration options for the PostgreSQL store implementation.
type Config struct {
	// MaxValueBytes caps the size of a single record. Zero disables the check
	// and leaves quota enforcement to the server.
	MaxValueBytes int
}

// Store implements stores.Store using PostgreSQL as the storage backend.
// It lets several clients on one host or a thin device share a database.
type Store struct {
	db *sql.DB

	maxValueBytes int
	now           func() time.Time
}

var _ stores.Store = (*Store)(nil)

// Get retrieves a record from PostgreSQL by its key.
// Returns stores.ErrNotFound if the record doesn't exist.
func (p *Store) Get(ctx context.Context, k string) (string, error) {
	stmt, err := p.db.PrepareContext(ctx, queryFetchByKey)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	var value string
	if err := stmt.QueryRowContext(ctx, k).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", stores.ErrNotFound
		}
		return "", err
	}

	return value, nil
}

// Set stores the record, replacing any previous value under the same key.
func (p *Store) Set(ctx context.Context, k, v string) error {
	if p.maxValueBytes > 0 && len(v) > p.maxValueBytes {
		return stores.QuotaError{Key: k, Size: len(v), Limit: p.maxValueBytes}
	}

	stmt, err := p.db.PrepareContext(ctx, queryUpsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err = stmt.ExecContext(ctx, k, v, p.now().UTC()); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			if _, ok := quotaCodes[pqErr.Code]; ok {
				return errors.Join(stores.QuotaError{Key: k, Size: len(v)}, err)
			}
		}
		return fmt.Errorf("upsert %q: %w", k, err)
	}

	return nil
}

// Remove deletes the record. Removing a missing key is not an error.
func (p *Store) Remove(ctx context.Context, k string) error {
	stmt, err := p.db.PrepareContext(ctx, queryDeleteItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, k)
	return err
}

func createTable(ctx context.Context, db *sql.DB) error {
	stmt, err := db.PrepareContext(ctx, queryCreateTable)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx)
	return err
}

// New creates a new PostgreSQL store instance with the provided configuration.
// It verifies the database connection and creates the necessary table structure.
//
// Returns an error if:
// - The database is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Store, error) {
	if db == nil {
		return nil, stores.ValidationError{
			Reason: "nil database",
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	s := &Store{
		db: db,

		now: time.Now,
	}
	if config != nil {
		s.maxValueBytes = config.MaxValueBytes
	}

	return s, nil
}
