package database

import (
	"context"
	"database/sql"
	"fmt"
)

// HistoryRepository handles processing history and counters
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record appends a terminal outcome
func (r *HistoryRepository) Record(ctx context.Context, e *HistoryEntry) error {
	return withBusyRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO processing_history (
				archive_path, archive_name, source, mode, outcome, reason,
				attempts, volume_count, content_size
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ArchivePath, e.ArchiveName, e.Source, e.Mode, e.Outcome, e.Reason,
			e.Attempts, e.VolumeCount, e.ContentSize)
		if err != nil {
			return fmt.Errorf("failed to record history: %w", err)
		}

		if id, err := res.LastInsertId(); err == nil {
			e.ID = id
		}
		return nil
	})
}

// List returns the most recent entries, newest first. An empty outcome
// lists every outcome.
func (r *HistoryRepository) List(ctx context.Context, outcome Outcome, limit, offset int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, archive_path, archive_name, source, mode, outcome, reason,
		       attempts, volume_count, content_size, created_at
		FROM processing_history
	`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ArchivePath, &e.ArchiveName, &e.Source, &e.Mode,
			&e.Outcome, &e.Reason, &e.Attempts, &e.VolumeCount, &e.ContentSize, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// CountByOutcome returns the number of history entries per outcome
func (r *HistoryRepository) CountByOutcome(ctx context.Context) (map[Outcome]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM processing_history GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int64)
	for rows.Next() {
		var o Outcome
		var n int64
		if err := rows.Scan(&o, &n); err != nil {
			return nil, fmt.Errorf("failed to scan history count: %w", err)
		}
		counts[o] = n
	}

	return counts, rows.Err()
}
