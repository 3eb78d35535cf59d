package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// defaultSlowQuery is the elapsed time past which a statement is logged at
// warn level even when full tracing is off.
const defaultSlowQuery = 200 * time.Millisecond

// queryLogger routes GORM's internal logging through zap. Statements
// surface three ways: failures at error level, slow statements at warn,
// and the full trace at debug once the level is raised to Info.
// gorm.ErrRecordNotFound is a domain condition, not a fault, and is never
// logged.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel, slow time.Duration) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	switch {
	case slow == 0:
		slow = defaultSlowQuery
	case slow < 0:
		slow = 0
	}
	return &queryLogger{
		log:   log.Named("sql").WithOptions(zap.AddCallerSkip(3)),
		level: level,
		slow:  slow,
	}
}

// LogMode returns a copy at the given level; db.Debug() relies on it to
// raise the level for a single call chain.
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	stmt, rows := fc()
	fields := []zap.Field{
		zap.String("stmt", stmt),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("statement failed", append(fields, zap.Error(err))...)
	case l.slow > 0 && elapsed >= l.slow:
		l.log.Warn("slow statement", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("statement", fields...)
	}
}
