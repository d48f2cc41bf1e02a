// Package repository holds the task, submission, evaluation and
// reconciliation accessors. Every state change is a conditional update
// qualified by the expected prior status, so a stale caller gets an
// InvalidState error instead of overwriting a concurrent transition.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repositories bundles the accessors over one database handle.
type Repositories struct {
	Tasks           TaskRepository
	Submissions     SubmissionRepository
	Evaluations     EvaluationRepository
	Reconciliations ReconciliationRepository
}

// New wires all repositories to db.
func New(db *gorm.DB) *Repositories {
	return &Repositories{
		Tasks:           &taskRepo{db: db},
		Submissions:     &submissionRepo{db: db},
		Evaluations:     &evaluationRepo{db: db},
		Reconciliations: &reconciliationRepo{db: db},
	}
}

func withTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
