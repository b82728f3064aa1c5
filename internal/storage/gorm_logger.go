package storage

import (
	"context"
	"errors"
	"time"

	"github.com/broadcasthub/platform/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slogGormLogger routes GORM's query logging through the app's slog logger
// instead of GORM's own stdlib-backed default.
type slogGormLogger struct {
	slowThreshold time.Duration
}

func newGormLogger() gormlogger.Interface {
	return &slogGormLogger{slowThreshold: 200 * time.Millisecond}
}

func (l *slogGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	logger.L().InfoContext(ctx, msg, "args", args)
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	logger.L().WarnContext(ctx, msg, "args", args)
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	logger.L().ErrorContext(ctx, msg, "args", args)
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case elapsed > l.slowThreshold:
		logger.L().WarnContext(ctx, "slow gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	default:
		logger.L().DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
