// Package database provides a minimal connection-management layer over GORM.
//
// The outbox and inbox stores (pkg/outbox, pkg/inbox) only need a live
// *gorm.DB and a way to close it; this package supplies that plus the
// driver-selection and logging conventions shared by the concrete adapters
// in pkg/database/sql/adapters.
package database

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Driver identifies a supported SQL backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DB is the capability every adapter in pkg/database/sql/adapters provides.
type DB interface {
	// Get returns the connection scoped to ctx.
	Get(ctx context.Context) *gorm.DB

	// Close releases the underlying connection pool.
	Close() error
}

// NewGORMLogger adapts the module's slog logger to GORM's logger interface,
// logging slow queries and errors at WARN/ERROR and everything else at DEBUG.
func NewGORMLogger() gormlogger.Interface {
	return &gormLogAdapter{slowThreshold: 200 * time.Millisecond}
}

type gormLogAdapter struct {
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

func (a *gormLogAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *a
	cp.level = level
	return &cp
}

func (a *gormLogAdapter) Info(ctx context.Context, msg string, args ...interface{}) {
	logger.L().InfoContext(ctx, msg, "args", args)
}

func (a *gormLogAdapter) Warn(ctx context.Context, msg string, args ...interface{}) {
	logger.L().WarnContext(ctx, msg, "args", args)
}

func (a *gormLogAdapter) Error(ctx context.Context, msg string, args ...interface{}) {
	logger.L().ErrorContext(ctx, msg, "args", args)
}

func (a *gormLogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil:
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
	case elapsed > a.slowThreshold:
		logger.L().WarnContext(ctx, "slow gorm query", "sql", sql, "rows", rows, "duration", elapsed)
	default:
		logger.L().DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}
