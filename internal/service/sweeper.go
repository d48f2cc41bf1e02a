package service

import (
	"context"
	"time"

	"github.com/lizcirble/shakabackend/internal/metrics"
)

// Sweeper expires reservations that were never worked on.
type Sweeper struct {
	d   *Deps
	now func() time.Time
}

// NewSweeper creates the submission TTL sweeper.
func NewSweeper(d *Deps) *Sweeper {
	return &Sweeper{d: d, now: time.Now}
}

// CheckExpiredSubmissions moves every pending submission older than the
// submission TTL to expired and frees its slot. It returns how many
// submissions it expired.
func (s *Sweeper) CheckExpiredSubmissions(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.d.Economics.SubmissionTTL)
	expired, err := s.d.Repos.Submissions.ExpireStale(ctx, cutoff, 500)
	for _, sub := range expired {
		s.d.event(sub.TaskID, sub.ID, sub.WorkerID, "expired", "")
	}
	metrics.SubmissionsExpiredTotal.Add(float64(len(expired)))
	if len(expired) > 0 {
		s.d.Logger.Info("expired stale submissions", "count", len(expired))
	}
	return len(expired), err
}
