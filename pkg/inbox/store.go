package inbox

import (
	"context"
	"time"
)

// Store is the narrow persistence capability the processor needs.
type Store interface {
	// FindOrCreate returns the existing row for key, or inserts a new
	// StatusReceived row if none exists. The bool return is true when a
	// row already existed (races are resolved by the DB unique
	// constraint; the losing writer reloads the winner's row).
	FindOrCreate(ctx context.Context, key Key, subject string) (*Row, bool, error)

	// MarkProcessing transitions a row to processing, recording the
	// broker's delivery count and clearing last_error.
	MarkProcessing(ctx context.Context, id uint64, deliveries int) (*Row, error)

	MarkProcessed(ctx context.Context, id uint64, processedAt time.Time) error
	MarkFailed(ctx context.Context, id uint64, lastError string) error

	// CountByStatus returns the number of rows in each status, for the
	// health surface.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
