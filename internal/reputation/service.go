package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/auth"
	"gorm.io/gorm"
)

var ErrUserNotFound = apperr.NotFound("reputation", "user not found")

// ─────────────────────────────────────────────
// adjuster implements Adjuster
// ─────────────────────────────────────────────

type adjuster struct {
	db     *gorm.DB
	bounds Bounds
}

// NewAdjuster creates an Adjuster backed by the users table.
func NewAdjuster(db *gorm.DB, bounds Bounds) Adjuster {
	return &adjuster{db: db, bounds: bounds}
}

// Adjust applies a clamped delta inside one transaction.
func (a *adjuster) Adjust(ctx context.Context, userID string, delta int, submissionID, reason string) (int, error) {
	var after int
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Touch the row first so the read below happens under its write lock.
		res := tx.Model(&auth.User{}).Where("id = ?", userID).
			Update("reputation", gorm.Expr("reputation"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}

		var before int
		if err := tx.Model(&auth.User{}).Where("id = ?", userID).
			Select("reputation").Scan(&before).Error; err != nil {
			return err
		}

		after = a.bounds.Clamp(before + delta)
		if after != before {
			if err := tx.Model(&auth.User{}).Where("id = ?", userID).
				Update("reputation", after).Error; err != nil {
				return err
			}
		}

		return tx.Create(&Event{
			UserID:       userID,
			SubmissionID: submissionID,
			Delta:        delta,
			Applied:      after - before,
			ScoreAfter:   after,
			Reason:       reason,
			CreatedAt:    time.Now(),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, err
		}
		return 0, apperr.Dependency("reputation.Adjust", err)
	}
	return after, nil
}

// Weights looks up the current score of each voter.
func (a *adjuster) Weights(ctx context.Context, userIDs []string) (map[string]int, error) {
	weights := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return weights, nil
	}

	var rows []struct {
		ID         string
		Reputation int
	}
	if err := a.db.WithContext(ctx).Model(&auth.User{}).
		Select("id, reputation").
		Where("id IN ?", userIDs).
		Scan(&rows).Error; err != nil {
		return nil, apperr.Dependency("reputation.Weights", err)
	}

	for _, id := range userIDs {
		weights[id] = a.bounds.DefaultWeight
	}
	for _, r := range rows {
		weights[r.ID] = r.Reputation
	}
	return weights, nil
}

// History lists recent events, newest first.
func (a *adjuster) History(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	if err := a.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, apperr.Dependency("reputation.History", err)
	}
	return events, nil
}
