package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/model"
	"gorm.io/gorm"
)

// ReconciliationRepository queues repairs for ledger calls whose local
// write failed afterwards.
type ReconciliationRepository interface {
	Enqueue(ctx context.Context, rec *model.Reconciliation) error
	Get(ctx context.Context, id uint) (*model.Reconciliation, error)
	ListOpen(ctx context.Context, limit int) ([]model.Reconciliation, error)
	MarkResolved(ctx context.Context, id uint) error
	RecordAttempt(ctx context.Context, id uint, cause error) error

	// Claim resolves an open item and reports whether this caller did it.
	// Exactly one of several concurrent callers wins.
	Claim(ctx context.Context, id uint) (bool, error)

	// Reopen undoes a Claim whose repair failed, counting the attempt.
	Reopen(ctx context.Context, id uint, cause error) error
}

type reconciliationRepo struct {
	db *gorm.DB
}

func (r *reconciliationRepo) Enqueue(ctx context.Context, rec *model.Reconciliation) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperr.Dependency("reconciliation.Enqueue", err)
	}
	return nil
}

func (r *reconciliationRepo) Get(ctx context.Context, id uint) (*model.Reconciliation, error) {
	var rec model.Reconciliation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("reconciliation.Get", "reconciliation %d not found", id)
	}
	if err != nil {
		return nil, apperr.Dependency("reconciliation.Get", err)
	}
	return &rec, nil
}

func (r *reconciliationRepo) ListOpen(ctx context.Context, limit int) ([]model.Reconciliation, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []model.Reconciliation
	if err := r.db.WithContext(ctx).Where("resolved = ?", false).
		Order("created_at ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, apperr.Dependency("reconciliation.ListOpen", err)
	}
	return recs, nil
}

func (r *reconciliationRepo) MarkResolved(ctx context.Context, id uint) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.Reconciliation{}).Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolved_at": now, "updated_at": now}).Error
	if err != nil {
		return apperr.Dependency("reconciliation.MarkResolved", err)
	}
	return nil
}

func (r *reconciliationRepo) RecordAttempt(ctx context.Context, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := r.db.WithContext(ctx).Model(&model.Reconciliation{}).Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return apperr.Dependency("reconciliation.RecordAttempt", err)
	}
	return nil
}

func (r *reconciliationRepo) Claim(ctx context.Context, id uint) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Reconciliation{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now, "updated_at": now})
	if res.Error != nil {
		return false, apperr.Dependency("reconciliation.Claim", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *reconciliationRepo) Reopen(ctx context.Context, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := r.db.WithContext(ctx).Model(&model.Reconciliation{}).Where("id = ?", id).
		Updates(map[string]any{
			"resolved":    false,
			"resolved_at": nil,
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  msg,
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		return apperr.Dependency("reconciliation.Reopen", err)
	}
	return nil
}
