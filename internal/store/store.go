package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions suit PostgreSQL, which works well with multiple connections.
var DefaultOptions = Options{
	MaxOpenConns:    25,
	MaxIdleConns:    5,
	ConnMaxLifetime: time.Hour,
}

// Store owns the GORM handle and the async audit writer.
type Store struct {
	db     *gorm.DB
	logger logging.Logger

	logCh  chan func() // buffered channel for async writes
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Postgres builds the production dialector.
func Postgres(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// Models lists every table the service owns, in migration order.
func Models() []any {
	return []any{
		&auth.User{},
		&model.Task{},
		&model.TaskAssignment{},
		&model.Submission{},
		&model.Evaluation{},
		&model.EscrowTransaction{},
		&model.TaskEvent{},
		&model.Reconciliation{},
		&reputation.Event{},
	}
}

// NewStore opens the database, auto-migrates schemas, and
// starts the background write worker.
func NewStore(dialector gorm.Dialector, opts Options, log logging.Logger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLog(log),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.With("component", "store"),
		logCh:  make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close drains pending async writes and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.logCh)
	}
	s.mu.Unlock()
	<-s.done

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// LogTaskEvent records a lifecycle event off the request path.
// Failures are logged and never reach the caller.
func (s *Store) LogTaskEvent(taskID, submissionID, actorID, event, detail string) {
	ev := model.TaskEvent{
		TaskID:       taskID,
		SubmissionID: submissionID,
		ActorID:      actorID,
		Event:        event,
		Detail:       detail,
		CreatedAt:    time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.logCh <- func() {
		if err := s.db.Create(&ev).Error; err != nil {
			s.logger.Warn("log task event failed", "task_id", taskID, "event", event, "error", err)
		}
	}
}

// TaskEvents returns the recorded events of a task, oldest first.
func (s *Store) TaskEvents(taskID string) ([]model.TaskEvent, error) {
	var events []model.TaskEvent
	err := s.db.Where("task_id = ?", taskID).Order("id ASC").Find(&events).Error
	return events, err
}
