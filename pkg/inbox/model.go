package inbox

import (
	"time"

	"gorm.io/gorm"
)

// Status is the inbox row lifecycle. Processed is terminal and idempotent:
// a redelivery observed after processed short-circuits without a second
// handler invocation.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Row is the persisted dedup record for one logical event within one
// subscriber group. Group is part of every unique key: the same published
// event is delivered once per matching pattern (the pattern overlap
// decision in DESIGN.md), and each of those deliveries must be dedup'd and
// processed independently, so a row is scoped to (group, event) rather
// than event alone. EventID and StreamSeq are pointers so the unused key
// of the two is stored as SQL NULL rather than a shared zero value: a
// unique index treats repeated NULLs as distinct, but repeated ""/0 would
// collide across every row taking the other path.
type Row struct {
	ID         uint64  `gorm:"primaryKey"`
	Group      string  `gorm:"uniqueIndex:idx_inbox_event_id,size:191;uniqueIndex:idx_inbox_stream_seq,size:191;not null"`
	EventID    *string `gorm:"uniqueIndex:idx_inbox_event_id,size:191"`
	Stream     string  `gorm:"uniqueIndex:idx_inbox_stream_seq,size:191"`
	StreamSeq  *uint64 `gorm:"uniqueIndex:idx_inbox_stream_seq"`
	Subject    string `gorm:"size:255;not null"`
	Status     Status `gorm:"size:16;not null;index"`
	ReceivedAt time.Time
	ProcessedAt *time.Time
	Deliveries int    `gorm:"not null;default:0"`
	LastError  string `gorm:"size:2048"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (Row) TableName() string {
	return "inbox_rows"
}

// Key identifies the logical event this row is about, scoped to the
// subscriber group (durable pattern) that received it: EventID when
// present, otherwise the (stream, stream_seq) fallback pair.
type Key struct {
	Group     string
	EventID   string
	Stream    string
	StreamSeq uint64
}

func (k Key) usesEventID() bool {
	return k.EventID != ""
}

// eventIDPtr and streamSeqPtr build the nullable Row columns for this key:
// exactly one of the two is non-nil, matching whichever form the key uses.
func (k Key) eventIDPtr() *string {
	if !k.usesEventID() {
		return nil
	}
	v := k.EventID
	return &v
}

func (k Key) streamSeqPtr() *uint64 {
	if k.usesEventID() {
		return nil
	}
	v := k.StreamSeq
	return &v
}
