package outbox

import (
	"time"

	"gorm.io/gorm"
)

// Status is the outbox row lifecycle. Transitions: pending -> publishing ->
// {sent | failed}; a stale publishing row is recoverable back to pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Row is the persisted shape of a staged outbound envelope. EventID is
// globally unique; Sent is terminal and idempotent.
type Row struct {
	ID         uint64 `gorm:"primaryKey"`
	EventID    string `gorm:"uniqueIndex;size:191;not null"`
	Subject    string `gorm:"size:255;not null"`
	Payload    []byte `gorm:"type:blob;not null"`
	Headers    []byte `gorm:"type:blob"`
	Status     Status `gorm:"size:16;not null;index"`
	Attempts   int    `gorm:"not null;default:0"`
	EnqueuedAt *time.Time
	SentAt     *time.Time
	LastError  string `gorm:"size:2048"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (Row) TableName() string {
	return "outbox_rows"
}
