package database

import (
	"context"

	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"gorm.io/gorm"
)

// InstrumentedDB wraps a DB to log connection close.
type InstrumentedDB struct {
	next DB
}

func NewInstrumentedDB(next DB) *InstrumentedDB {
	return &InstrumentedDB{next: next}
}

func (m *InstrumentedDB) Get(ctx context.Context) *gorm.DB {
	return m.next.Get(ctx)
}

func (m *InstrumentedDB) Close() error {
	logger.L().Info("closing database connection")
	return m.next.Close()
}
