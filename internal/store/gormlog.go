package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lizcirble/shakabackend/internal/logging"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SlowQueryThreshold is the duration above which a statement is logged as slow.
const SlowQueryThreshold = 200 * time.Millisecond

// gormLog routes GORM's diagnostics through the service logger.
type gormLog struct {
	log   logging.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormLog(log logging.Logger) *gormLog {
	return &gormLog{
		log:   log.With("component", "gorm"),
		level: gormlogger.Warn,
		slow:  SlowQueryThreshold,
	}
}

func (g *gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLog) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs failed statements and slow ones. Missing rows are an expected
// outcome for lookups and are not logged.
func (g *gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.log.Error("query failed", "error", err, "sql", sql, "rows", rows, "took", elapsed)
	case g.slow > 0 && elapsed > g.slow && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn("slow query", "sql", sql, "rows", rows, "took", elapsed)
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug("query", "sql", sql, "rows", rows, "took", elapsed)
	}
}
