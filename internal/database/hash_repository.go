package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mattn/go-sqlite3"
)

// HashRepository handles the dedup hash registry
type HashRepository struct {
	db *sql.DB
}

// NewHashRepository creates a new hash repository
func NewHashRepository(db *sql.DB) *HashRepository {
	return &HashRepository{db: db}
}

// InsertIfAbsent records rec unless its hash is already present. It returns
// inserted=false and the stored record when the hash exists. The unique
// constraint on hash decides races between concurrent callers.
func (r *HashRepository) InsertIfAbsent(ctx context.Context, rec *HashRecord) (bool, *HashRecord, error) {
	var inserted bool

	err := withBusyRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO content_hashes (hash, filename, path, size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(hash) DO NOTHING
		`, rec.Hash, rec.Filename, rec.Path, rec.Size)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert hash record: %w", err)
	}

	if inserted {
		return true, nil, nil
	}

	existing, err := r.GetByHash(ctx, rec.Hash)
	if err != nil {
		return false, nil, err
	}

	return false, existing, nil
}

// GetByHash returns the record for hash, or nil when none exists
func (r *HashRepository) GetByHash(ctx context.Context, hash string) (*HashRecord, error) {
	var rec HashRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, hash, filename, path, size, created_at
		FROM content_hashes WHERE hash = ?
	`, hash).Scan(&rec.ID, &rec.Hash, &rec.Filename, &rec.Path, &rec.Size, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get hash record: %w", err)
	}

	return &rec, nil
}

// Count returns the number of recorded hashes
func (r *HashRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_hashes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hash records: %w", err)
	}
	return n, nil
}

// withBusyRetry retries fn while sqlite reports the database as busy or locked.
func withBusyRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
