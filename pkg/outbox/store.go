package outbox

import (
	"context"
	"time"
)

// Store is the narrow persistence capability the publisher needs. SQL and
// in-memory implementations live in gorm_store.go and memory_store.go.
type Store interface {
	// FindOrCreateByEventID returns the existing row for eventID, or
	// inserts a new StatusPending row if none exists. The bool return is
	// true when a row already existed.
	FindOrCreateByEventID(ctx context.Context, eventID, subject string, payload, headers []byte) (*Row, bool, error)

	// MarkPublishing transitions a row to publishing, incrementing
	// attempts and stamping enqueued_at on first entry.
	MarkPublishing(ctx context.Context, eventID string) (*Row, error)

	MarkSent(ctx context.Context, eventID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, eventID string, lastError string) error

	// FindStalePublishing returns rows stuck in publishing for longer
	// than olderThan, for the recovery sweep to reset to pending.
	FindStalePublishing(ctx context.Context, olderThan time.Duration, limit int) ([]*Row, error)

	// ResetToPending is called by the recovery sweep on each stale row.
	ResetToPending(ctx context.Context, eventID string) error

	// CountByStatus returns the number of rows in each status, for the
	// health surface.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
