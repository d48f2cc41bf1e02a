package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/model"
	"gorm.io/gorm"
)

// ErrDuplicateEvaluation is returned when an evaluator votes twice.
var ErrDuplicateEvaluation = apperr.InvalidOperation("evaluation.Create", "evaluator has already voted on this submission")

// EvaluationRepository stores peer votes.
type EvaluationRepository interface {
	// Create stores one vote; at most one per (submission, evaluator).
	Create(ctx context.Context, e *model.Evaluation) error
	ListBySubmission(ctx context.Context, submissionID string) ([]model.Evaluation, error)
}

type evaluationRepo struct {
	db *gorm.DB
}

func (r *evaluationRepo) Create(ctx context.Context, e *model.Evaluation) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var dup bool
	err := withTx(ctx, r.db, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Evaluation{}).
			Where("submission_id = ? AND evaluator_id = ?", e.SubmissionID, e.EvaluatorID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			dup = true
			return nil
		}
		return tx.Create(e).Error
	})
	if dup {
		return ErrDuplicateEvaluation
	}
	if err != nil {
		// A concurrent duplicate loses on the unique index.
		if r.exists(ctx, e.SubmissionID, e.EvaluatorID) {
			return ErrDuplicateEvaluation
		}
		return apperr.Dependency("evaluation.Create", err)
	}
	return nil
}

func (r *evaluationRepo) exists(ctx context.Context, submissionID, evaluatorID string) bool {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Evaluation{}).
		Where("submission_id = ? AND evaluator_id = ?", submissionID, evaluatorID).
		Count(&n).Error
	return err == nil && n > 0
}

func (r *evaluationRepo) ListBySubmission(ctx context.Context, submissionID string) ([]model.Evaluation, error) {
	var evals []model.Evaluation
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).
		Order("created_at ASC").Find(&evals).Error; err != nil {
		return nil, apperr.Dependency("evaluation.ListBySubmission", err)
	}
	return evals, nil
}
