package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
)

// MemoryStore is an in-process Store for tests and single-process use; its
// rows are lost on restart. The Publisher's degraded mode (a nil Store)
// does not use it.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
	seq  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*Row{}}
}

func (s *MemoryStore) FindOrCreateByEventID(ctx context.Context, eventID, subject string, payload, headers []byte) (*Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[eventID]; ok {
		cp := *row
		return &cp, true, nil
	}

	s.seq++
	row := &Row{
		ID:      s.seq,
		EventID: eventID,
		Subject: subject,
		Payload: payload,
		Headers: headers,
		Status:  StatusPending,
	}
	s.rows[eventID] = row
	cp := *row
	return &cp, false, nil
}

func (s *MemoryStore) MarkPublishing(ctx context.Context, eventID string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "outbox row not found", nil)
	}
	now := time.Now().UTC()
	if row.EnqueuedAt == nil {
		row.EnqueuedAt = &now
	}
	row.Status = StatusPublishing
	row.Attempts++
	row.LastError = ""
	row.UpdatedAt = now
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return errors.New(errors.CodeNotFound, "outbox row not found", nil)
	}
	sentAtUTC := sentAt.UTC()
	row.Status = StatusSent
	row.SentAt = &sentAtUTC
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return errors.New(errors.CodeNotFound, "outbox row not found", nil)
	}
	row.Status = StatusFailed
	row.LastError = lastError
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindStalePublishing(ctx context.Context, olderThan time.Duration, limit int) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Row
	for _, row := range s.rows {
		if row.Status != StatusPublishing || row.UpdatedAt.After(cutoff) {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ResetToPending(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok || row.Status != StatusPublishing {
		return nil
	}
	row.Status = StatusPending
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[Status]int64{StatusPending: 0, StatusPublishing: 0, StatusSent: 0, StatusFailed: 0}
	for _, row := range s.rows {
		counts[row.Status]++
	}
	return counts, nil
}
