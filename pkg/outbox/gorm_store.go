package outbox

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/database"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"gorm.io/gorm"
)

// GormStore persists outbox rows through a *gorm.DB. Per-event_id
// contention is resolved by the unique index on event_id: the losing
// writer's create fails and it reloads the winner's row.
type GormStore struct {
	db database.DB
}

// NewGormStore wraps db. Callers must have already migrated Row (or an
// equivalent table) via db.Get(ctx).AutoMigrate(&outbox.Row{}).
func NewGormStore(db database.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindOrCreateByEventID(ctx context.Context, eventID, subject string, payload, headers []byte) (*Row, bool, error) {
	conn := s.db.Get(ctx)

	var row Row
	err := conn.Where("event_id = ?", eventID).First(&row).Error
	if err == nil {
		return &row, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, errors.Wrap(err, "failed to look up outbox row")
	}

	row = Row{
		EventID: eventID,
		Subject: subject,
		Payload: payload,
		Headers: headers,
		Status:  StatusPending,
	}
	if createErr := conn.Create(&row).Error; createErr != nil {
		// Lost the race to a concurrent inserter; reload their row.
		if reloadErr := conn.Where("event_id = ?", eventID).First(&row).Error; reloadErr == nil {
			return &row, true, nil
		}
		return nil, false, errors.Wrap(createErr, "failed to create outbox row")
	}
	return &row, false, nil
}

func (s *GormStore) MarkPublishing(ctx context.Context, eventID string) (*Row, error) {
	conn := s.db.Get(ctx)
	var row Row

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", eventID).First(&row).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]any{
			"status":     StatusPublishing,
			"attempts":   row.Attempts + 1,
			"last_error": "",
		}
		if row.EnqueuedAt == nil {
			updates["enqueued_at"] = now
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("event_id = ?", eventID).First(&row).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark outbox row publishing")
	}
	return &row, nil
}

func (s *GormStore) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	conn := s.db.Get(ctx)
	res := conn.Model(&Row{}).Where("event_id = ?", eventID).Updates(map[string]any{
		"status":  StatusSent,
		"sent_at": sentAt.UTC(),
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to mark outbox row sent")
	}
	return nil
}

func (s *GormStore) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	conn := s.db.Get(ctx)
	res := conn.Model(&Row{}).Where("event_id = ?", eventID).Updates(map[string]any{
		"status":     StatusFailed,
		"last_error": lastError,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to mark outbox row failed")
	}
	return nil
}

func (s *GormStore) FindStalePublishing(ctx context.Context, olderThan time.Duration, limit int) ([]*Row, error) {
	conn := s.db.Get(ctx)
	cutoff := time.Now().UTC().Add(-olderThan)

	// limit<=0 means unlimited, matching MemoryStore's semantics. GORM
	// writes a literal LIMIT for any non-negative value (including 0, which
	// returns zero rows), so only -1 omits the clause.
	if limit <= 0 {
		limit = -1
	}

	var rows []*Row
	err := conn.Where("status = ? AND updated_at < ?", StatusPublishing, cutoff).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale publishing rows")
	}
	return rows, nil
}

func (s *GormStore) ResetToPending(ctx context.Context, eventID string) error {
	conn := s.db.Get(ctx)
	res := conn.Model(&Row{}).Where("event_id = ? AND status = ?", eventID, StatusPublishing).
		Update("status", StatusPending)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to reset outbox row to pending")
	}
	return nil
}

func (s *GormStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	conn := s.db.Get(ctx)
	statuses := []Status{StatusPending, StatusPublishing, StatusSent, StatusFailed}
	counts := make(map[Status]int64, len(statuses))
	for _, status := range statuses {
		var n int64
		if err := conn.Model(&Row{}).Where("status = ?", status).Count(&n).Error; err != nil {
			return nil, errors.Wrap(err, "failed to count outbox rows by status")
		}
		counts[status] = n
	}
	return counts, nil
}
