package queue

import (
	"time"

	"github.com/javi11/rarlink/internal/archive"
)

// Source tags how an item entered the queue
type Source string

const (
	SourceNew      Source = "new"
	SourceRetry    Source = "retry"
	SourceExisting Source = "existing"
)

// Status is the lifecycle state of a queue item
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item wraps an archive set travelling through the queue. Only the worker
// and the delay scheduler mutate it, always under the manager lock.
type Item struct {
	ID            string
	Set           *archive.Set
	Source        Source
	Attempts      int
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
	Status        Status
	LastError     string
}

// ItemView is a read-only copy of an item for status reporting
type ItemView struct {
	ID            string    `json:"id"`
	Archive       string    `json:"archive"`
	Path          string    `json:"path"`
	Volumes       int       `json:"volumes"`
	Source        Source    `json:"source"`
	Attempts      int       `json:"attempts"`
	Status        Status    `json:"status"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	DueAt         time.Time `json:"due_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

func (it *Item) view() ItemView {
	return ItemView{
		ID:            it.ID,
		Archive:       it.Set.Name(),
		Path:          it.Set.FirstVolume,
		Volumes:       len(it.Set.Volumes),
		Source:        it.Source,
		Attempts:      it.Attempts,
		Status:        it.Status,
		EnqueuedAt:    it.EnqueuedAt,
		LastAttemptAt: it.LastAttemptAt,
		LastError:     it.LastError,
	}
}

// Snapshot is a point-in-time view of the whole queue
type Snapshot struct {
	Processing *ItemView  `json:"processing"`
	Queued     []ItemView `json:"queued"`
	Delayed    []ItemView `json:"delayed"`
	Stats      Stats      `json:"stats"`
}

// Stats holds the queue counters
type Stats struct {
	Processed int64 `json:"processed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}
