package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/model"
	"gorm.io/gorm"
)

// SubmissionRepository is the accessor over submission rows.
type SubmissionRepository interface {
	Get(ctx context.Context, id string) (*model.Submission, error)

	// GetForWorker returns the submission only if workerID owns it.
	GetForWorker(ctx context.Context, id, workerID string) (*model.Submission, error)
	ListByTask(ctx context.Context, taskID string) ([]model.Submission, error)
	ListByWorker(ctx context.Context, workerID string, limit int) ([]model.Submission, error)

	// Transition moves a submission from one of the from statuses to to.
	Transition(ctx context.Context, id string, from []model.SubmissionStatus, to model.SubmissionStatus, fields map[string]any) error

	// Expire marks one pending submission expired and frees its slot in the
	// same transaction. It reports false if the submission had moved on.
	Expire(ctx context.Context, id string) (bool, error)

	// ExpireStale expires every pending submission reserved before cutoff
	// and returns the ones this call expired.
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Submission, error)

	// BusyWorkers returns the ids of workers holding a non-terminal submission.
	BusyWorkers(ctx context.Context) ([]string, error)
}

type submissionRepo struct {
	db *gorm.DB
}

func (r *submissionRepo) Get(ctx context.Context, id string) (*model.Submission, error) {
	var s model.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("submission.Get", "submission %s not found", id)
		}
		return nil, apperr.Dependency("submission.Get", err)
	}
	return &s, nil
}

func (r *submissionRepo) GetForWorker(ctx context.Context, id, workerID string) (*model.Submission, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.WorkerID != workerID {
		return nil, apperr.Forbidden("submission.GetForWorker", "submission %s belongs to another worker", id)
	}
	return s, nil
}

func (r *submissionRepo) ListByTask(ctx context.Context, taskID string) ([]model.Submission, error) {
	var subs []model.Submission
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("created_at ASC").Find(&subs).Error; err != nil {
		return nil, apperr.Dependency("submission.ListByTask", err)
	}
	return subs, nil
}

func (r *submissionRepo) ListByWorker(ctx context.Context, workerID string, limit int) ([]model.Submission, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var subs []model.Submission
	if err := r.db.WithContext(ctx).Where("worker_id = ?", workerID).
		Order("created_at DESC").Limit(limit).Find(&subs).Error; err != nil {
		return nil, apperr.Dependency("submission.ListByWorker", err)
	}
	return subs, nil
}

func (r *submissionRepo) Transition(ctx context.Context, id string, from []model.SubmissionStatus, to model.SubmissionStatus, fields map[string]any) error {
	const op = "submission.Transition"
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return apperr.Dependency(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var cur model.Submission
	err := r.db.WithContext(ctx).Select("id, status").Where("id = ?", id).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "submission %s not found", id)
	}
	if err != nil {
		return apperr.Dependency(op, err)
	}
	return apperr.InvalidState(op, "submission %s is %s, cannot move to %s", id, cur.Status, to)
}

func (r *submissionRepo) Expire(ctx context.Context, id string) (bool, error) {
	expired := false
	err := withTx(ctx, r.db, func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&model.Submission{}).
			Where("id = ? AND status = ?", id, model.SubmissionPending).
			Updates(map[string]any{"status": model.SubmissionExpired, "expired_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var sub model.Submission
		if err := tx.Select("task_id, worker_id").Where("id = ?", id).First(&sub).Error; err != nil {
			return err
		}
		del := tx.Where("task_id = ? AND worker_id = ?", sub.TaskID, sub.WorkerID).Delete(&model.TaskAssignment{})
		if del.Error != nil {
			return del.Error
		}
		if del.RowsAffected > 0 {
			if err := tx.Model(&model.Task{}).
				Where("id = ? AND reserved_slots > 0", sub.TaskID).
				Updates(map[string]any{
					"reserved_slots": gorm.Expr("reserved_slots - 1"),
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, apperr.Dependency("submission.Expire", err)
	}
	return expired, nil
}

func (r *submissionRepo) ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		limit = 500
	}
	var stale []model.Submission
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.SubmissionPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&stale).Error; err != nil {
		return nil, apperr.Dependency("submission.ExpireStale", err)
	}

	out := make([]model.Submission, 0, len(stale))
	for _, s := range stale {
		ok, err := r.Expire(ctx, s.ID)
		if err != nil {
			return out, err
		}
		if ok {
			s.Status = model.SubmissionExpired
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *submissionRepo) BusyWorkers(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&model.Submission{}).
		Distinct("worker_id").
		Where("status IN ?", model.NonTerminalSubmissionStatuses).
		Pluck("worker_id", &ids).Error; err != nil {
		return nil, apperr.Dependency("submission.BusyWorkers", err)
	}
	return ids, nil
}
