package database

import "time"

// HashRecord is one entry in the dedup registry. Unique on Hash.
type HashRecord struct {
	ID        int64     `db:"id"`
	Hash      string    `db:"hash"`
	Filename  string    `db:"filename"`
	Path      string    `db:"path"`
	Size      int64     `db:"size"`
	CreatedAt time.Time `db:"created_at"`
}

// Outcome is the terminal result of processing an archive set
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeDuplicate   Outcome = "duplicate"
)

// HistoryEntry records one terminal processing outcome
type HistoryEntry struct {
	ID          int64     `db:"id"`
	ArchivePath string    `db:"archive_path"`
	ArchiveName string    `db:"archive_name"`
	Source      string    `db:"source"`
	Mode        *string   `db:"mode"`
	Outcome     Outcome   `db:"outcome"`
	Reason      *string   `db:"reason"`
	Attempts    int       `db:"attempts"`
	VolumeCount int       `db:"volume_count"`
	ContentSize int64     `db:"content_size"`
	CreatedAt   time.Time `db:"created_at"`
}

// Stat keys persisted in system_stats
const (
	StatProcessed  = "processed"
	StatRetried    = "retried"
	StatFailed     = "failed"
	StatDuplicates = "duplicates"
)
