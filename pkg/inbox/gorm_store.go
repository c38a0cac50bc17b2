package inbox

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/database"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"gorm.io/gorm"
)

// GormStore persists inbox rows through a *gorm.DB.
type GormStore struct {
	db database.DB
}

func NewGormStore(db database.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindOrCreate(ctx context.Context, key Key, subject string) (*Row, bool, error) {
	conn := s.db.Get(ctx)
	var row Row

	query := conn.Where("\"group\" = ?", key.Group)
	if key.usesEventID() {
		query = query.Where("event_id = ?", key.EventID)
	} else {
		query = query.Where("stream = ? AND stream_seq = ?", key.Stream, key.StreamSeq)
	}

	err := query.First(&row).Error
	if err == nil {
		return &row, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, errors.Wrap(err, "failed to look up inbox row")
	}

	row = Row{
		Group:      key.Group,
		EventID:    key.eventIDPtr(),
		Stream:     key.Stream,
		StreamSeq:  key.streamSeqPtr(),
		Subject:    subject,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	if createErr := conn.Create(&row).Error; createErr != nil {
		// Lost the insert race; reload the winner's row.
		reloadErr := query.First(&row).Error
		if reloadErr == nil {
			return &row, true, nil
		}
		return nil, false, errors.Wrap(createErr, "failed to create inbox row")
	}
	return &row, false, nil
}

func (s *GormStore) MarkProcessing(ctx context.Context, id uint64, deliveries int) (*Row, error) {
	conn := s.db.Get(ctx)
	var row Row

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Row{}).Where("id = ?", id).Updates(map[string]any{
			"status":     StatusProcessing,
			"deliveries": deliveries,
			"last_error": "",
		}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&row).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark inbox row processing")
	}
	return &row, nil
}

func (s *GormStore) MarkProcessed(ctx context.Context, id uint64, processedAt time.Time) error {
	conn := s.db.Get(ctx)
	res := conn.Model(&Row{}).Where("id = ?", id).Updates(map[string]any{
		"status":       StatusProcessed,
		"processed_at": processedAt.UTC(),
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to mark inbox row processed")
	}
	return nil
}

func (s *GormStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	conn := s.db.Get(ctx)
	res := conn.Model(&Row{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusFailed,
		"last_error": lastError,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to mark inbox row failed")
	}
	return nil
}

func (s *GormStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	conn := s.db.Get(ctx)
	statuses := []Status{StatusReceived, StatusProcessing, StatusProcessed, StatusFailed}
	counts := make(map[Status]int64, len(statuses))
	for _, status := range statuses {
		var n int64
		if err := conn.Model(&Row{}).Where("status = ?", status).Count(&n).Error; err != nil {
			return nil, errors.Wrap(err, "failed to count inbox rows by status")
		}
		counts[status] = n
	}
	return counts, nil
}
