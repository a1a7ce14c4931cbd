package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StatsRepository handles cumulative counters
type StatsRepository struct {
	db *sql.DB
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Get retrieves a counter by key. Missing keys read as zero.
func (r *StatsRepository) Get(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_stats WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get system stat %s: %w", key, err)
	}
	return value, nil
}

// Increment adds delta to a counter, creating it if needed
func (r *StatsRepository) Increment(ctx context.Context, key string, delta int64) error {
	return withBusyRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO system_stats (key, value, updated_at)
			VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET
			value = value + excluded.value,
			updated_at = datetime('now')
		`, key, delta)
		if err != nil {
			return fmt.Errorf("failed to increment system stat %s: %w", key, err)
		}
		return nil
	})
}

// All returns every counter
func (r *StatsRepository) All(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM system_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to list system stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan system stat: %w", err)
		}
		stats[k] = v
	}
	return stats, rows.Err()
}
