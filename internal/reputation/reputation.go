package reputation

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────
// Reputation
//
// Bounded per-user score. Approved work raises it, rejected work lowers
// it; every change leaves an immutable Event behind.
// ─────────────────────────────────────────────

// Bounds clamp the score and define the default vote weight.
type Bounds struct {
	Min           int
	Max           int
	DefaultWeight int // weight of voters without a local record
}

// Clamp limits score to [Min, Max].
func (b Bounds) Clamp(score int) int {
	return min(max(score, b.Min), b.Max)
}

// Event is an immutable reputation ledger entry.
type Event struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UserID       string    `json:"user_id" gorm:"index"`
	SubmissionID string    `json:"submission_id,omitempty" gorm:"index"`
	Delta        int       `json:"delta"`   // requested change
	Applied      int       `json:"applied"` // change after clamping
	ScoreAfter   int       `json:"score_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Event) TableName() string { return "reputation_events" }

// Adjuster is the only writer of user reputation.
type Adjuster interface {
	// Adjust adds delta to the user's score, clamped to the bounds, and
	// returns the new score.
	Adjust(ctx context.Context, userID string, delta int, submissionID, reason string) (int, error)

	// Weights returns the vote weight (current score) of each user.
	// Unknown users get the default weight.
	Weights(ctx context.Context, userIDs []string) (map[string]int, error)

	// History lists the most recent events of a user, newest first.
	History(ctx context.Context, userID string, limit int) ([]Event, error)
}
