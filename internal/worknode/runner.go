// Package worknode is the processing-node side of the split-processing
// network: it listens for job announcements, claims jobs, runs them through
// a Processor and reports the results.
package worknode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
)

// sender is the outbound half of Client.
type sender interface {
	SendFetchJob(jobID string) error
	SendJobResult(res *model.JobResult) error
}

// Config tunes a Runner.
type Config struct {
	Workers    int              // concurrent jobs
	QueueSize  int              // assigned jobs waiting for a worker
	Categories []model.Category // empty accepts every category
	BusyDelay  time.Duration    // claim delay per queued job once all workers are busy
	JobTimeout time.Duration
}

// DefaultConfig is used by the splitnode command.
var DefaultConfig = Config{
	Workers:    4,
	QueueSize:  64,
	BusyDelay:  500 * time.Millisecond,
	JobTimeout: 2 * time.Minute,
}

// Stats counts finished jobs.
type Stats struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"` // frames the server refused
}

// Runner is a processing node.
type Runner struct {
	cfg     Config
	proc    Processor
	logger  logging.Logger
	accepts map[model.Category]bool

	client *Client
	out    sender
	queue  chan *model.JobAssignment
	wg     sync.WaitGroup

	claimed, completed, failed, rejected atomic.Int64
}

// NewRunner creates a node that processes jobs with proc.
func NewRunner(cfg Config, proc Processor, logger logging.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig.JobTimeout
	}
	r := &Runner{
		cfg:    cfg,
		proc:   proc,
		logger: logger.With("component", "worknode"),
		queue:  make(chan *model.JobAssignment, cfg.QueueSize),
	}
	if len(cfg.Categories) > 0 {
		r.accepts = make(map[model.Category]bool, len(cfg.Categories))
		for _, c := range cfg.Categories {
			r.accepts[c] = true
		}
	}
	return r
}

// Start launches the workers and connects to serverURL. Cancel ctx and
// then call Stop to shut down.
func (r *Runner) Start(ctx context.Context, serverURL, authToken string) error {
	r.client = NewClient(ctx, serverURL, authToken, r, r.logger)
	r.out = r.client
	r.startWorkers(ctx)
	return r.client.Connect()
}

// Stop waits for in-flight jobs and closes the connection.
func (r *Runner) Stop() error {
	r.wg.Wait()
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Stats returns the job counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Claimed:   r.claimed.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Rejected:  r.rejected.Load(),
	}
}

func (r *Runner) startWorkers(ctx context.Context) {
	for i, n := 0, r.cfg.Workers; i < n; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.queue:
					r.process(ctx, job)
				}
			}
		}()
	}
}

// ─────────────────────────────────────────────
// Message handlers (implements Handler)
// ─────────────────────────────────────────────

func (r *Runner) OnJobAnnouncement(ctx context.Context, ann *model.JobAnnouncement) {
	if r.accepts != nil && !r.accepts[ann.Category] {
		r.logger.Debug("skipping job", "job_id", ann.JobID, "category", ann.Category)
		return
	}

	delay := r.claimDelay()
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if err := r.out.SendFetchJob(ann.JobID); err != nil {
			r.logger.Warn("fetch job", "job_id", ann.JobID, "error", err)
		}
	}()
}

func (r *Runner) OnJobAssigned(_ context.Context, job *model.JobAssignment) {
	r.claimed.Add(1)
	select {
	case r.queue <- job:
		r.logger.Info("job assigned", "job_id", job.JobID, "task_id", job.Subtask.TaskID)
	default:
		// The lease expires and the server requeues it.
		r.logger.Warn("queue full, dropping job", "job_id", job.JobID)
	}
}

func (r *Runner) OnJobGone(_ context.Context, jobID string) {
	r.logger.Debug("job taken by another node", "job_id", jobID)
}

func (r *Runner) OnRejected(_ context.Context, perr *model.ProtocolError) {
	r.rejected.Add(1)
	r.logger.Error("server rejected frame", "code", perr.Code, "type", perr.Type, "job_id", perr.JobID, "error", perr.Message)
}

func (r *Runner) OnConnected() {
	r.logger.Info("node online")
}

func (r *Runner) OnDisconnected() {
	r.logger.Warn("node offline")
}

// claimDelay lets idle nodes win the race for new jobs.
func (r *Runner) claimDelay() time.Duration {
	backlog := len(r.queue)
	if backlog < r.cfg.Workers {
		return 0
	}
	return r.cfg.BusyDelay * time.Duration(backlog-r.cfg.Workers+1)
}

// ─────────────────────────────────────────────
// Processing
// ─────────────────────────────────────────────

func (r *Runner) process(ctx context.Context, job *model.JobAssignment) {
	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	started := time.Now()
	res := &model.JobResult{JobID: job.JobID}
	out, err := r.proc.Process(jobCtx, job.Subtask)
	if err != nil {
		res.Error = err.Error()
		r.failed.Add(1)
		r.logger.Warn("job failed", "job_id", job.JobID, "error", err)
	} else {
		res.Success = true
		res.Results = out
		r.completed.Add(1)
		r.logger.Info("job done", "job_id", job.JobID, "took", time.Since(started))
	}

	if err := r.out.SendJobResult(res); err != nil {
		r.logger.Error("report result", "job_id", job.JobID, "error", err)
	}
}
