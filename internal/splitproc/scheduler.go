package splitproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/redis/go-redis/v9"
)

// Client is the orchestrator's view of the split-processing service.
type Client interface {
	// Submit queues a subtask and returns its job id. A task with a job
	// already in flight collapses onto that job.
	Submit(ctx context.Context, sub model.Subtask) (string, error)

	// PollStatus returns the current state of a job.
	PollStatus(ctx context.Context, jobID string) (*model.JobStatus, error)
}

// Announcer is notified whenever a new job enters the queue.
type Announcer interface {
	BroadcastJobAnnouncement(ctx context.Context, ann *model.JobAnnouncement)
}

// Options are the scheduler's timing knobs.
type Options struct {
	LeaseTTL      time.Duration // how long a node may hold a job
	ResultTTL     time.Duration // how long job hashes live in Redis
	WatchInterval time.Duration
}

// Scheduler manages split jobs in Redis.
type Scheduler struct {
	rdb       *redis.Client
	opts      Options
	announcer Announcer
	logger    logging.Logger

	fetchScript    *redis.Script
	completeScript *redis.Script
	publishScript  *redis.Script
	reclaimScript  *redis.Script
}

var _ Client = (*Scheduler)(nil)

// NewScheduler initialises the scheduler and loads Lua scripts.
func NewScheduler(rdb *redis.Client, opts Options, logger logging.Logger) *Scheduler {
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 30 * time.Second
	}
	return &Scheduler{
		rdb:            rdb,
		opts:           opts,
		logger:         logger.With("component", "splitproc"),
		fetchScript:    redis.NewScript(LuaFetchJob),
		completeScript: redis.NewScript(LuaCompleteJob),
		publishScript:  redis.NewScript(LuaPublishJob),
		reclaimScript:  redis.NewScript(LuaReclaimJob),
	}
}

// SetAnnouncer attaches the node hub once it exists.
func (s *Scheduler) SetAnnouncer(a Announcer) {
	s.announcer = a
}

// ─────────────────────────────────────────────
// Public API
// ─────────────────────────────────────────────

// Submit publishes a job for the subtask and announces it to the nodes.
func (s *Scheduler) Submit(ctx context.Context, sub model.Subtask) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal subtask: %w", err)
	}

	jobID := uuid.NewString()
	keys := []string{
		model.JobKey(jobID),
		model.CollapsingKey(sub.TaskID),
		model.PendingQueueKey,
	}
	args := []any{jobID, sub.TaskID, string(sub.Category), string(body), int(s.opts.ResultTTL.Seconds())}

	result, err := s.publishScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return "", apperr.Dependency("splitproc.Submit", fmt.Errorf("publish job lua: %w", err))
	}
	if result != "CREATED" {
		metrics.SplitJobsTotal.WithLabelValues("collapsed").Inc()
		return result, nil
	}
	metrics.SplitJobsTotal.WithLabelValues("published").Inc()

	if s.announcer != nil {
		qlen, _ := s.PendingQueueLen(ctx)
		s.announcer.BroadcastJobAnnouncement(ctx, &model.JobAnnouncement{
			JobID:    jobID,
			Category: sub.Category,
			QueueLen: int(qlen),
		})
	}
	return jobID, nil
}

// PollStatus reads the job hash.
func (s *Scheduler) PollStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	fields, err := s.rdb.HGetAll(ctx, model.JobKey(jobID)).Result()
	if err != nil {
		return nil, apperr.Dependency("splitproc.PollStatus", err)
	}
	if len(fields) == 0 {
		return nil, apperr.NotFound("splitproc.PollStatus", "split job %s not found", jobID)
	}

	st := &model.JobStatus{
		JobID:  jobID,
		TaskID: fields["task_id"],
		State:  model.JobState(fields["state"]),
		NodeID: fields["node_id"],
		Error:  fields["error"],
	}
	if r := fields["results"]; r != "" {
		st.Results = json.RawMessage(r)
	}
	return st, nil
}

// FetchJob lets a node attempt to claim a queued job.
// A nil assignment means the job is gone.
func (s *Scheduler) FetchJob(ctx context.Context, jobID, nodeID string) (*model.JobAssignment, error) {
	keys := []string{model.JobKey(jobID)}
	args := []any{nodeID, int(s.opts.LeaseTTL.Seconds())}

	vals, err := s.fetchScript.Run(ctx, s.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("fetch job lua: %w", err)
	}
	if len(vals) < 2 || vals[0] != "OK" {
		return nil, nil
	}

	var sub model.Subtask
	if err := json.Unmarshal([]byte(vals[1]), &sub); err != nil {
		return nil, fmt.Errorf("decode subtask: %w", err)
	}
	metrics.SplitJobsTotal.WithLabelValues("claimed").Inc()
	return &model.JobAssignment{JobID: jobID, Subtask: sub}, nil
}

// CompleteJob stores a node's result. nodeID must match the node holding the lease.
func (s *Scheduler) CompleteJob(ctx context.Context, res *model.JobResult) error {
	taskID, err := s.rdb.HGet(ctx, model.JobKey(res.JobID), "task_id").Result()
	if err != nil {
		return fmt.Errorf("get job metadata: %w", err)
	}

	state := model.JobCompleted
	if !res.Success {
		state = model.JobFailed
	}
	keys := []string{
		model.JobKey(res.JobID),
		model.CollapsingKey(taskID),
		model.PendingQueueKey,
	}
	args := []any{res.NodeID, string(state), string(res.Results), res.Error, int(s.opts.ResultTTL.Seconds())}

	status, err := s.completeScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("complete job lua: %w", err)
	}
	switch status {
	case "OK":
		metrics.SplitJobsTotal.WithLabelValues(string(state)).Inc()
		return nil
	case "NODE_MISMATCH":
		return fmt.Errorf("job %s reassigned to another node (stale completion attempt)", res.JobID)
	default:
		return fmt.Errorf("complete job: unexpected status %s", status)
	}
}

// PendingQueueLen returns the current length of the pending queue.
func (s *Scheduler) PendingQueueLen(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, model.PendingQueueKey).Result()
}

// ─────────────────────────────────────────────
// Lease Watchdog (background goroutine)
// ─────────────────────────────────────────────

// StartLeaseWatchdog periodically re-enqueues jobs whose node went quiet.
// It runs until ctx is cancelled.
func (s *Scheduler) StartLeaseWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	s.logger.Info("lease watchdog started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lease watchdog stopped")
			return
		case <-ticker.C:
			s.ReclaimExpiredJobs(ctx)
		}
	}
}

// ReclaimExpiredJobs scans the queue: vanished jobs are dropped, PROCESSING
// jobs with less than half their lease left are reset to QUEUED.
// Returns the number of reclaimed jobs.
func (s *Scheduler) ReclaimExpiredJobs(ctx context.Context) int {
	queueLen, err := s.rdb.LLen(ctx, model.PendingQueueKey).Result()
	if err != nil || queueLen == 0 {
		return 0
	}

	limit := min(queueLen, 100)
	leaseTTL := s.opts.LeaseTTL.Seconds()
	reclaimed := 0

	ids, err := s.rdb.LRange(ctx, model.PendingQueueKey, 0, limit-1).Result()
	if err != nil {
		return 0
	}
	for _, jobID := range ids {
		jobKey := model.JobKey(jobID)

		pipe := s.rdb.Pipeline()
		ttlCmd := pipe.TTL(ctx, jobKey)
		stateCmd := pipe.HGet(ctx, jobKey, "state")
		taskCmd := pipe.HGet(ctx, jobKey, "task_id")
		if _, err := pipe.Exec(ctx); err != nil {
			if errors.Is(err, redis.Nil) {
				s.rdb.LRem(ctx, model.PendingQueueKey, 1, jobID)
				s.logger.Info("removed expired job from queue", "job_id", jobID)
			}
			continue
		}

		ttl := ttlCmd.Val().Seconds()
		if stateCmd.Val() != string(model.JobProcessing) || ttl <= 0 || ttl >= leaseTTL/2 {
			continue
		}

		keys := []string{jobKey, model.CollapsingKey(taskCmd.Val()), model.PendingQueueKey}
		result, err := s.reclaimScript.Run(ctx, s.rdb, keys, int(s.opts.ResultTTL.Seconds())).Text()
		if err != nil {
			s.logger.Error("reclaim job failed", "job_id", jobID, "error", err)
			continue
		}
		if result == "RECLAIMED" {
			reclaimed++
			metrics.SplitJobsTotal.WithLabelValues("reclaimed").Inc()
			s.logger.Info("reclaimed stuck job", "job_id", jobID, "ttl_seconds", ttl)
		}
	}
	return reclaimed
}
