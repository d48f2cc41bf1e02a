package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordingLogger struct {
	logging.Logger
	mu    *sync.Mutex
	lines *[]string
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{Logger: logging.NewNoOpLogger(), mu: &sync.Mutex{}, lines: &[]string{}}
}

func (r recordingLogger) add(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.lines = append(*r.lines, level+" "+msg)
}

func (r recordingLogger) Debug(msg string, _ ...any) { r.add("debug", msg) }
func (r recordingLogger) Info(msg string, _ ...any)  { r.add("info", msg) }
func (r recordingLogger) Warn(msg string, _ ...any)  { r.add("warn", msg) }
func (r recordingLogger) Error(msg string, _ ...any) { r.add("error", msg) }
func (r recordingLogger) With(...any) logging.Logger { return r }

func (r recordingLogger) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), *r.lines...)
}

func TestGormLogTrace(t *testing.T) {
	rec := newRecordingLogger()
	g := newGormLog(rec)
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	g.Trace(ctx, time.Now(), sql, nil)
	g.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, rec.Lines())

	g.Trace(ctx, time.Now(), sql, errors.New("disk full"))
	g.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Equal(t, []string{"error query failed", "warn slow query"}, rec.Lines())
}

func TestGormLogLevels(t *testing.T) {
	rec := newRecordingLogger()
	g := newGormLog(rec)
	ctx := context.Background()

	g.Info(ctx, "hidden %d", 1)
	g.Warn(ctx, "shown %d", 2)

	silent := g.LogMode(gormlogger.Silent)
	silent.Error(ctx, "hidden")
	silent.Trace(ctx, time.Now(), func() (string, int64) { return "", 0 }, fmt.Errorf("boom"))

	verbose := g.LogMode(gormlogger.Info)
	verbose.Info(ctx, "verbose %s", "on")
	verbose.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)

	assert.Equal(t, []string{"warn shown 2", "info verbose on", "debug query"}, rec.Lines())
}
