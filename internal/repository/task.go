package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/model"
	"gorm.io/gorm"
)

// Resolution is the task's counter state right after one submission resolved.
type Resolution struct {
	Resolved int
	Approved int
	Required int
}

// Last reports whether this resolution closed the final outstanding slot.
func (r Resolution) Last() bool {
	return r.Resolved == r.Required
}

// TaskRepository is the accessor over task rows and their worker set.
type TaskRepository interface {
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, f model.TaskFilter) ([]model.Task, int64, error)
	CountByCreator(ctx context.Context, creatorID string) (int64, error)

	// Transition moves a task from one of the from statuses to to, setting
	// any extra columns in the same statement.
	Transition(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus, fields map[string]any) error

	// ReserveSlot atomically takes an open slot for worker and creates the
	// pending submission that represents the reservation.
	ReserveSlot(ctx context.Context, taskID, workerID string) (*model.Submission, error)

	// FindAssignable lists tasks worker could take, oldest funded first.
	FindAssignable(ctx context.Context, workerID string, limit int) ([]model.Task, error)

	// ResolveOne counts one resolved submission and returns the counters
	// after the increment. Exactly one caller observes Last() == true.
	ResolveOne(ctx context.Context, taskID string, approved bool) (Resolution, error)

	SetProcessing(ctx context.Context, id string, status model.ProcessingStatus, jobID string) error
	SetLedgerID(ctx context.Context, id, ledgerID string) error

	// ListSplitJobs returns tasks whose offloaded job is still in flight.
	ListSplitJobs(ctx context.Context, limit int) ([]model.Task, error)

	// ListLedgerTracked returns non-terminal tasks registered on the ledger,
	// least recently updated first.
	ListLedgerTracked(ctx context.Context, limit int) ([]model.Task, error)
}

type taskRepo struct {
	db *gorm.DB
}

func (r *taskRepo) Create(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskStatusDraft
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return apperr.Dependency("task.Create", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("task.Get", "task %s not found", id)
		}
		return nil, apperr.Dependency("task.Get", err)
	}

	var workers []string
	if err := r.db.WithContext(ctx).Model(&model.TaskAssignment{}).
		Where("task_id = ?", id).
		Order("created_at ASC").
		Pluck("worker_id", &workers).Error; err != nil {
		return nil, apperr.Dependency("task.Get", err)
	}
	t.AssignedWorkers = workers
	if t.AssignedWorkers == nil {
		t.AssignedWorkers = []string{}
	}
	return &t, nil
}

func (r *taskRepo) List(ctx context.Context, f model.TaskFilter) ([]model.Task, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Task{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.CreatorID != "" {
		q = q.Where("creator_id = ?", f.CreatorID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Dependency("task.List", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var tasks []model.Task
	if err := q.Order("created_at DESC").Limit(limit).Offset(max(f.Offset, 0)).Find(&tasks).Error; err != nil {
		return nil, 0, apperr.Dependency("task.List", err)
	}
	return tasks, total, nil
}

func (r *taskRepo) CountByCreator(ctx context.Context, creatorID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("creator_id = ?", creatorID).Count(&n).Error; err != nil {
		return 0, apperr.Dependency("task.CountByCreator", err)
	}
	return n, nil
}

func (r *taskRepo) Transition(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus, fields map[string]any) error {
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return apperr.Dependency("task.Transition", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return r.explainMiss(ctx, "task.Transition", id, to)
}

func (r *taskRepo) ReserveSlot(ctx context.Context, taskID, workerID string) (*model.Submission, error) {
	const op = "task.ReserveSlot"
	now := time.Now()
	sub := &model.Submission{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    model.SubmissionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := withTx(ctx, r.db, func(tx *gorm.DB) error {
		var held int64
		if err := tx.Model(&model.TaskAssignment{}).
			Where("task_id = ? AND worker_id = ?", taskID, workerID).
			Count(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			return apperr.InvalidState(op, "worker already holds a slot on task %s", taskID)
		}

		res := tx.Model(&model.Task{}).
			Where("id = ? AND status IN ? AND reserved_slots < required_workers", taskID, model.ActiveTaskStatuses).
			Where("creator_id IS NULL OR creator_id <> ?", workerID).
			Updates(map[string]any{
				"reserved_slots": gorm.Expr("reserved_slots + 1"),
				"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
					model.TaskStatusFunded, model.TaskStatusAssigned),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidState(op, "task %s has no open slot for this worker", taskID)
		}

		if err := tx.Create(&model.TaskAssignment{TaskID: taskID, WorkerID: workerID, CreatedAt: now}).Error; err != nil {
			return apperr.InvalidState(op, "worker already holds a slot on task %s", taskID)
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Dependency(op, err)
	}
	return sub, nil
}

func (r *taskRepo) FindAssignable(ctx context.Context, workerID string, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	held := r.db.Model(&model.TaskAssignment{}).Select("task_id").Where("worker_id = ?", workerID)

	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("status IN ? AND reserved_slots < required_workers", model.ActiveTaskStatuses).
		Where("creator_id IS NULL OR creator_id <> ?", workerID).
		Where("id NOT IN (?)", held).
		Order("funded_at ASC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, apperr.Dependency("task.FindAssignable", err)
	}
	return tasks, nil
}

func (r *taskRepo) ResolveOne(ctx context.Context, taskID string, approved bool) (Resolution, error) {
	const op = "task.ResolveOne"
	inc := 0
	if approved {
		inc = 1
	}

	var out Resolution
	err := withTx(ctx, r.db, func(tx *gorm.DB) error {
		res := tx.Model(&model.Task{}).
			Where("id = ? AND resolved_count < required_workers", taskID).
			Updates(map[string]any{
				"resolved_count": gorm.Expr("resolved_count + 1"),
				"approved_count": gorm.Expr("approved_count + ?", inc),
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidState(op, "task %s has no outstanding submission", taskID)
		}

		var row struct {
			ResolvedCount   int
			ApprovedCount   int
			RequiredWorkers int
		}
		if err := tx.Model(&model.Task{}).
			Select("resolved_count, approved_count, required_workers").
			Where("id = ?", taskID).
			Scan(&row).Error; err != nil {
			return err
		}
		out = Resolution{Resolved: row.ResolvedCount, Approved: row.ApprovedCount, Required: row.RequiredWorkers}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindInvalidState) {
			return Resolution{}, err
		}
		return Resolution{}, apperr.Dependency(op, err)
	}
	return out, nil
}

func (r *taskRepo) SetProcessing(ctx context.Context, id string, status model.ProcessingStatus, jobID string) error {
	updates := map[string]any{"processing_status": status, "updated_at": time.Now()}
	if jobID != "" {
		updates["split_job_id"] = jobID
	}
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return apperr.Dependency("task.SetProcessing", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("task.SetProcessing", "task %s not found", id)
	}
	return nil
}

func (r *taskRepo) SetLedgerID(ctx context.Context, id, ledgerID string) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).
		Updates(map[string]any{"ledger_task_id": ledgerID, "updated_at": time.Now()})
	if res.Error != nil {
		return apperr.Dependency("task.SetLedgerID", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("task.SetLedgerID", "task %s not found", id)
	}
	return nil
}

func (r *taskRepo) ListSplitJobs(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("split_job_id <> '' AND processing_status IN ?",
			[]model.ProcessingStatus{model.ProcessingQueued, model.ProcessingProcessing}).
		Order("updated_at ASC").
		Limit(max(limit, 1)).
		Find(&tasks).Error
	if err != nil {
		return nil, apperr.Dependency("task.ListSplitJobs", err)
	}
	return tasks, nil
}

func (r *taskRepo) ListLedgerTracked(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("ledger_task_id <> '' AND status NOT IN ?",
			[]model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusCancelled}).
		Order("updated_at ASC").
		Limit(max(limit, 1)).
		Find(&tasks).Error
	if err != nil {
		return nil, apperr.Dependency("task.ListLedgerTracked", err)
	}
	return tasks, nil
}

// explainMiss turns a zero-row conditional update into NotFound or InvalidState.
func (r *taskRepo) explainMiss(ctx context.Context, op, id string, to model.TaskStatus) error {
	var cur model.Task
	err := r.db.WithContext(ctx).Select("id, status").Where("id = ?", id).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "task %s not found", id)
	}
	if err != nil {
		return apperr.Dependency(op, err)
	}
	return apperr.InvalidState(op, "task %s is %s, cannot move to %s", id, cur.Status, to)
}
