package service

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/escrow"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/money"
)

// assignScan bounds how many candidate tasks one Assign call tries.
const assignScan = 10

// TaskService drives a task from DRAFT to a terminal status:
//
//	create → register on ledger → fund → reserve slots → (review cascade)
type TaskService struct {
	d *Deps
}

// NewTaskService creates the task lifecycle orchestrator.
func NewTaskService(d *Deps) *TaskService {
	return &TaskService{d: d}
}

// Create validates and prices a new task, stores it as DRAFT and registers
// it on the ledger. creatorID is nil for anonymous creators.
//
//  1. Field validation and creator-tier limits
//  2. Forbidden-keyword filter over title and description
//  3. Economics: subtotal, platform fee, total cost
//  4. Persist DRAFT, then CreateTask on the ledger
//  5. Offload large or AI Evaluation tasks to split processing
func (s *TaskService) Create(ctx context.Context, req *model.CreateTaskRequest, creatorID *string) (*model.Task, error) {
	const op = "task.Create"
	econ := s.d.Economics

	// ── Step 1: validation ──
	title := strings.TrimSpace(req.Title)
	desc := strings.TrimSpace(req.Description)
	switch {
	case title == "":
		return nil, apperr.Validation(op, "title is required")
	case desc == "":
		return nil, apperr.Validation(op, "description is required")
	case !req.Category.Valid():
		return nil, apperr.Validation(op, "unknown category %q", req.Category)
	case req.PayoutPerWorker <= 0:
		return nil, apperr.Validation(op, "payout_per_worker must be positive")
	case req.RequiredWorkers < 1:
		return nil, apperr.Validation(op, "required_workers must be at least 1")
	case req.Deadline != nil && !req.Deadline.After(time.Now()):
		return nil, apperr.Validation(op, "deadline must be in the future")
	}
	if err := s.checkTier(ctx, req, creatorID); err != nil {
		return nil, err
	}

	// ── Step 2: content filter ──
	content := strings.ToLower(title + " " + desc)
	for _, kw := range econ.ForbiddenKeywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			return nil, apperr.Validation(op, "content contains forbidden keyword %q", kw)
		}
	}

	// ── Step 3: economics ──
	subtotal, err := req.PayoutPerWorker.Mul(req.RequiredWorkers)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	fee := money.PercentOf(subtotal, econ.PlatformFeeBps)

	task := &model.Task{
		Title:           title,
		Description:     desc,
		Category:        req.Category,
		CreatorID:       creatorID,
		PayoutPerWorker: req.PayoutPerWorker,
		RequiredWorkers: req.RequiredWorkers,
		PlatformFee:     fee,
		TotalCost:       subtotal + fee,
		Status:          model.TaskStatusDraft,
		Deadline:        req.Deadline,
	}

	// ── Step 4: persist, then register on the ledger ──
	if err := s.d.Repos.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	actor := ""
	if creatorID != nil {
		actor = *creatorID
	}
	s.d.event(task.ID, "", actor, "created", task.TotalCost.String())

	receipt, err := s.d.Ledger.CreateTask(ctx, task.ID, task.TotalCost, task.RequiredWorkers)
	if err != nil {
		s.d.Logger.Warn("ledger registration failed, task stays DRAFT", "task_id", task.ID, "error", err)
		return nil, err
	}
	key := ledger.TaskKey(task.ID)
	task.LedgerTaskID = hexutil.Encode(key[:])
	if err := s.d.Repos.Tasks.SetLedgerID(context.WithoutCancel(ctx), task.ID, task.LedgerTaskID); err != nil {
		s.d.Logger.Error("ledger id write failed", "task_id", task.ID, "error", err)
	}
	recordEscrow(ctx, s.d, escrow.Entry(task.ID, model.EscrowTxCreate, task.TotalCost, receipt))

	// ── Step 5: split-processing offload (non-critical) ──
	if s.shouldOffload(task) {
		s.offload(ctx, task)
	}

	task.AssignedWorkers = []string{}
	metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusDraft)).Inc()
	s.d.Logger.Info("task created", "task_id", task.ID, "total", task.TotalCost.String(), "workers", task.RequiredWorkers)
	return task, nil
}

func (s *TaskService) checkTier(ctx context.Context, req *model.CreateTaskRequest, creatorID *string) error {
	const op = "task.Create"
	econ := s.d.Economics

	if creatorID == nil {
		if req.RequiredWorkers > econ.AnonymousMaxWorkers {
			return apperr.Validation(op, "anonymous tasks are limited to %d workers", econ.AnonymousMaxWorkers)
		}
		if req.PayoutPerWorker > econ.AnonymousMaxPayout {
			return apperr.Validation(op, "anonymous tasks are limited to %s per worker", econ.AnonymousMaxPayout)
		}
		return nil
	}

	n, err := s.d.Repos.Tasks.CountByCreator(ctx, *creatorID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if req.RequiredWorkers > econ.FirstTimeMaxWorkers {
		return apperr.Validation(op, "first tasks are limited to %d workers", econ.FirstTimeMaxWorkers)
	}
	if req.PayoutPerWorker > econ.FirstTimeMaxPayout {
		return apperr.Validation(op, "first tasks are limited to %s per worker", econ.FirstTimeMaxPayout)
	}
	return nil
}

func (s *TaskService) shouldOffload(t *model.Task) bool {
	return s.d.Split != nil &&
		(t.RequiredWorkers > s.d.Economics.LargeTaskWorkers || t.Category == model.CategoryAIEvaluation)
}

func (s *TaskService) offload(ctx context.Context, task *model.Task) {
	jobID, err := s.d.Split.Submit(ctx, model.Subtask{
		TaskID:          task.ID,
		Category:        task.Category,
		Title:           task.Title,
		Description:     task.Description,
		RequiredWorkers: task.RequiredWorkers,
	})
	status := model.ProcessingQueued
	if err != nil {
		s.d.Logger.Warn("split-processing submit failed", "task_id", task.ID, "error", err)
		status = model.ProcessingFailed
	}
	if err := s.d.Repos.Tasks.SetProcessing(context.WithoutCancel(ctx), task.ID, status, jobID); err != nil {
		s.d.Logger.Warn("processing status write failed", "task_id", task.ID, "error", err)
		return
	}
	task.ProcessingStatus = status
	task.SplitJobID = jobID
}

// Fund moves the task's total cost into escrow. Only the creator may fund,
// and only from DRAFT. If the ledger confirms but the local write fails, a
// reconciliation is queued and the write error returned.
func (s *TaskService) Fund(ctx context.Context, taskID, callerID string) (*model.Task, error) {
	const op = "task.Fund"

	task, err := s.d.Repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsCreator(callerID) {
		return nil, apperr.Forbidden(op, "only the task creator can fund it")
	}
	if task.Status != model.TaskStatusDraft {
		return nil, apperr.InvalidState(op, "task is %s, expected DRAFT", task.Status)
	}

	receipt, err := s.d.Ledger.FundTask(ctx, task.ID, task.TotalCost)
	if err != nil {
		return nil, err
	}
	recordEscrow(ctx, s.d, escrow.Entry(task.ID, model.EscrowTxFund, task.TotalCost, receipt))

	now := time.Now()
	err = s.d.Repos.Tasks.Transition(context.WithoutCancel(ctx), task.ID,
		[]model.TaskStatus{model.TaskStatusDraft}, model.TaskStatusFunded,
		map[string]any{"funded_at": now})
	if err != nil {
		enqueueRepair(ctx, s.d, &model.Reconciliation{
			TaskID:       task.ID,
			Operation:    model.ReconcileFund,
			TargetStatus: model.TaskStatusFunded,
			TxHash:       receipt.TxHash,
		}, err)
		return nil, err
	}

	metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusFunded)).Inc()
	s.d.event(task.ID, "", callerID, "funded", receipt.TxHash)
	s.d.Logger.Info("task funded", "task_id", task.ID, "tx", receipt.TxHash)
	return s.d.Repos.Tasks.Get(ctx, task.ID)
}

// Assign reserves one slot for the worker on the oldest funded task they are
// eligible for and records the worker on the ledger. Losing a reservation
// race moves on to the next candidate. If the ledger call fails the
// reservation is expired again.
func (s *TaskService) Assign(ctx context.Context, workerID string) (*model.AssignResponse, error) {
	const op = "task.Assign"

	worker, err := s.d.Users.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !worker.IsActive() {
		return nil, apperr.Forbidden(op, "account is %s", worker.Status)
	}
	if worker.PaymentAddress == "" {
		return nil, apperr.Validation(op, "set a payment address before taking tasks")
	}

	candidates, err := s.d.Repos.Tasks.FindAssignable(ctx, workerID, assignScan)
	if err != nil {
		return nil, err
	}

	var (
		task *model.Task
		sub  *model.Submission
	)
	for i := range candidates {
		sub, err = s.d.Repos.Tasks.ReserveSlot(ctx, candidates[i].ID, workerID)
		if err == nil {
			task = &candidates[i]
			break
		}
		if !apperr.Is(err, apperr.KindInvalidState) {
			return nil, err
		}
	}
	if task == nil {
		return nil, apperr.NotFound(op, "no eligible task available")
	}

	receipt, err := s.d.Ledger.AssignWorkers(ctx, task.ID, []string{worker.PaymentAddress})
	if err != nil {
		if _, cerr := s.d.Repos.Submissions.Expire(context.WithoutCancel(ctx), sub.ID); cerr != nil {
			s.d.Logger.Error("reservation rollback failed", "submission_id", sub.ID, "error", cerr)
		}
		return nil, err
	}
	entry := escrow.Entry(task.ID, model.EscrowTxAssign, 0, receipt)
	entry.SubmissionID = &sub.ID
	recordEscrow(ctx, s.d, entry)

	metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusAssigned)).Inc()
	s.d.event(task.ID, sub.ID, workerID, "assigned", receipt.TxHash)

	fresh, err := s.d.Repos.Tasks.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &model.AssignResponse{Task: fresh, Submission: sub}, nil
}

func (s *TaskService) Get(ctx context.Context, taskID string) (*model.Task, error) {
	return s.d.Repos.Tasks.Get(ctx, taskID)
}

func (s *TaskService) List(ctx context.Context, f model.TaskFilter) ([]model.Task, int64, error) {
	return s.d.Repos.Tasks.List(ctx, f)
}

// Candidates is SuggestWorkers for the task's creator.
func (s *TaskService) Candidates(ctx context.Context, taskID, callerID string, n int) ([]auth.User, error) {
	task, err := s.d.Repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsCreator(callerID) {
		return nil, apperr.Forbidden("task.Candidates", "only the task creator can list candidates")
	}
	return s.SuggestWorkers(ctx, taskID, n)
}

// EscrowHistory returns the ledger mirror of a task, oldest first.
func (s *TaskService) EscrowHistory(ctx context.Context, taskID string) ([]model.EscrowTransaction, error) {
	if _, err := s.d.Repos.Tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.d.Escrow.ListByTask(ctx, taskID)
}

// SuggestWorkers draws up to n candidate workers for a task, weighted by
// reputation. The creator, banned users, workers already on the task and
// workers holding any open reservation are excluded.
func (s *TaskService) SuggestWorkers(ctx context.Context, taskID string, n int) ([]auth.User, error) {
	task, err := s.d.Repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = task.RequiredWorkers - task.ReservedSlots
	}
	if n <= 0 {
		return []auth.User{}, nil
	}

	busy, err := s.d.Repos.Submissions.BusyWorkers(ctx)
	if err != nil {
		return nil, err
	}
	exclude := append(busy, task.AssignedWorkers...)
	if task.CreatorID != nil {
		exclude = append(exclude, *task.CreatorID)
	}

	pool, err := s.d.Users.ActiveWorkers(ctx, exclude, 500)
	if err != nil {
		return nil, err
	}
	return weightedSample(pool, n), nil
}

// weightedSample picks n users without replacement, each with probability
// proportional to reputation+1 (Efraimidis-Spirakis keys).
func weightedSample(pool []auth.User, n int) []auth.User {
	if n >= len(pool) {
		return pool
	}
	type keyed struct {
		key  float64
		user auth.User
	}
	ks := make([]keyed, len(pool))
	for i, u := range pool {
		w := float64(max(u.Reputation, 0) + 1)
		ks[i] = keyed{key: math.Pow(rand.Float64(), 1/w), user: u}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key > ks[j].key })

	out := make([]auth.User, n)
	for i := range out {
		out[i] = ks[i].user
	}
	return out
}

// SyncSplitJobs mirrors in-flight split-processing jobs onto their tasks.
// A job claimed by a node moves an ASSIGNED task to WSA_PROCESSING. It
// returns the number of tasks whose processing status changed.
func (s *TaskService) SyncSplitJobs(ctx context.Context) (int, error) {
	if s.d.Split == nil {
		return 0, nil
	}
	tasks, err := s.d.Repos.Tasks.ListSplitJobs(ctx, 200)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, t := range tasks {
		next, err := s.pollJob(ctx, t)
		if err != nil {
			s.d.Logger.Warn("split job poll failed", "task_id", t.ID, "job_id", t.SplitJobID, "error", err)
			continue
		}
		if next == t.ProcessingStatus {
			continue
		}
		if err := s.d.Repos.Tasks.SetProcessing(ctx, t.ID, next, ""); err != nil {
			s.d.Logger.Warn("processing status write failed", "task_id", t.ID, "error", err)
			continue
		}
		changed++

		if next == model.ProcessingProcessing && t.Status == model.TaskStatusAssigned {
			err := s.d.Repos.Tasks.Transition(ctx, t.ID,
				[]model.TaskStatus{model.TaskStatusAssigned}, model.TaskStatusWSAProcessing, nil)
			switch {
			case err == nil:
				metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusWSAProcessing)).Inc()
				s.d.event(t.ID, "", "", "processing", t.SplitJobID)
			case !apperr.Is(err, apperr.KindInvalidState):
				s.d.Logger.Warn("processing transition failed", "task_id", t.ID, "error", err)
			}
		}
	}
	return changed, nil
}

func (s *TaskService) pollJob(ctx context.Context, t model.Task) (model.ProcessingStatus, error) {
	st, err := s.d.Split.PollStatus(ctx, t.SplitJobID)
	if apperr.Is(err, apperr.KindNotFound) {
		// Job hash expired without a result.
		return model.ProcessingFailed, nil
	}
	if err != nil {
		return "", err
	}
	switch st.State {
	case model.JobQueued:
		return model.ProcessingQueued, nil
	case model.JobProcessing:
		return model.ProcessingProcessing, nil
	case model.JobCompleted:
		return model.ProcessingCompleted, nil
	default:
		return model.ProcessingFailed, nil
	}
}
