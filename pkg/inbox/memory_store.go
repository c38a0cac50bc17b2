package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
)

// MemoryStore is an in-process Store for tests and degraded mode.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[uint64]*Row
	byKey   map[string]uint64
	nextID  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[uint64]*Row{}, byKey: map[string]uint64{}}
}

func keyString(key Key) string {
	if key.usesEventID() {
		return "group:" + key.Group + ":event:" + key.EventID
	}
	return "group:" + key.Group + ":seq:" + key.Stream + ":" + itoa(key.StreamSeq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (s *MemoryStore) FindOrCreate(ctx context.Context, key Key, subject string) (*Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyString(key)
	if id, ok := s.byKey[k]; ok {
		cp := *s.byID[id]
		return &cp, true, nil
	}

	s.nextID++
	row := &Row{
		ID:         s.nextID,
		Group:      key.Group,
		EventID:    key.eventIDPtr(),
		Stream:     key.Stream,
		StreamSeq:  key.streamSeqPtr(),
		Subject:    subject,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	s.byID[row.ID] = row
	s.byKey[k] = row.ID
	cp := *row
	return &cp, false, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id uint64, deliveries int) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "inbox row not found", nil)
	}
	row.Status = StatusProcessing
	row.Deliveries = deliveries
	row.LastError = ""
	row.UpdatedAt = time.Now().UTC()
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, id uint64, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "inbox row not found", nil)
	}
	processedAtUTC := processedAt.UTC()
	row.Status = StatusProcessed
	row.ProcessedAt = &processedAtUTC
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "inbox row not found", nil)
	}
	row.Status = StatusFailed
	row.LastError = lastError
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[Status]int64{StatusReceived: 0, StatusProcessing: 0, StatusProcessed: 0, StatusFailed: 0}
	for _, row := range s.byID {
		counts[row.Status]++
	}
	return counts, nil
}
