package service

import (
	"context"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/escrow"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
	"gorm.io/datatypes"
)

// EvaluationResult is returned by Evaluate. Outcome stays empty until enough
// votes exist to decide the submission.
type EvaluationResult struct {
	Evaluation *model.Evaluation      `json:"evaluation"`
	Submission *model.Submission      `json:"submission"`
	Outcome    model.SubmissionStatus `json:"outcome,omitempty"`
	Consensus  *float64               `json:"consensus,omitempty"`
}

// ReviewService moves submissions through review and settles each outcome
// on the ledger. In every path the conditional status write comes first; it
// is the gate that keeps payouts and reputation changes from repeating.
type ReviewService struct {
	d *Deps
}

// NewReviewService creates the submission review orchestrator.
func NewReviewService(d *Deps) *ReviewService {
	return &ReviewService{d: d}
}

// nextStatus is the review gate a category's work goes through.
func nextStatus(c model.Category) model.SubmissionStatus {
	switch c {
	case model.CategoryAIEvaluation:
		return model.SubmissionPendingConsensus
	case model.CategoryComputeShare:
		return model.SubmissionCompleted
	default:
		return model.SubmissionPendingApproval
	}
}

// SubmitWork stores the worker's payload and hands the submission to its
// review gate. ComputeShare work is approved on the spot.
func (s *ReviewService) SubmitWork(ctx context.Context, submissionID, workerID string, payload datatypes.JSON) (*model.Submission, error) {
	const op = "submission.SubmitWork"

	sub, err := s.d.Repos.Submissions.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.WorkerID != workerID {
		return nil, apperr.NotFound(op, "submission %s not found", submissionID)
	}
	if sub.Status != model.SubmissionPending && sub.Status != model.SubmissionInProgress {
		return nil, apperr.InvalidState(op, "submission is %s", sub.Status)
	}
	task, err := s.d.Repos.Tasks.Get(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperr.InvalidState(op, "task is %s", task.Status)
	}

	next := nextStatus(task.Category)
	now := time.Now()
	fields := map[string]any{"payload": payload, "submitted_at": now}
	if next == model.SubmissionCompleted {
		fields["approved_at"] = now
	}
	err = s.d.Repos.Submissions.Transition(ctx, sub.ID,
		[]model.SubmissionStatus{model.SubmissionPending, model.SubmissionInProgress}, next, fields)
	if err != nil {
		return nil, err
	}
	s.d.event(task.ID, sub.ID, workerID, "submitted", string(next))

	if next == model.SubmissionCompleted {
		sub.Status = next
		if err := s.approveCascade(ctx, task, sub, workerID); err != nil {
			return nil, err
		}
	}
	return s.d.Repos.Submissions.Get(ctx, sub.ID)
}

// Approve accepts a submission awaiting the creator's review and pays the
// worker.
func (s *ReviewService) Approve(ctx context.Context, submissionID, approverID string) (*model.Submission, error) {
	task, sub, err := s.creatorReview(ctx, "submission.Approve", submissionID, approverID)
	if err != nil {
		return nil, err
	}
	err = s.d.Repos.Submissions.Transition(ctx, sub.ID,
		[]model.SubmissionStatus{model.SubmissionPendingApproval}, model.SubmissionApproved,
		map[string]any{"approved_at": time.Now()})
	if err != nil {
		return nil, err
	}
	sub.Status = model.SubmissionApproved
	if err := s.approveCascade(ctx, task, sub, approverID); err != nil {
		return nil, err
	}
	return s.d.Repos.Submissions.Get(ctx, sub.ID)
}

// Reject turns down a submission awaiting the creator's review.
func (s *ReviewService) Reject(ctx context.Context, submissionID, rejecterID string) (*model.Submission, error) {
	task, sub, err := s.creatorReview(ctx, "submission.Reject", submissionID, rejecterID)
	if err != nil {
		return nil, err
	}
	err = s.d.Repos.Submissions.Transition(ctx, sub.ID,
		[]model.SubmissionStatus{model.SubmissionPendingApproval}, model.SubmissionRejected,
		map[string]any{"rejected_at": time.Now()})
	if err != nil {
		return nil, err
	}
	sub.Status = model.SubmissionRejected
	if err := s.rejectCascade(ctx, task, sub, rejecterID); err != nil {
		return nil, err
	}
	return s.d.Repos.Submissions.Get(ctx, sub.ID)
}

func (s *ReviewService) creatorReview(ctx context.Context, op, submissionID, reviewerID string) (*model.Task, *model.Submission, error) {
	sub, err := s.d.Repos.Submissions.Get(ctx, submissionID)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.d.Repos.Tasks.Get(ctx, sub.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if !task.IsCreator(reviewerID) {
		return nil, nil, apperr.Forbidden(op, "only the task creator can review submissions")
	}
	if sub.Status != model.SubmissionPendingApproval {
		return nil, nil, apperr.InvalidState(op, "submission is %s, expected %s", sub.Status, model.SubmissionPendingApproval)
	}
	return task, sub, nil
}

// Evaluate records a peer vote on an AI Evaluation submission. Once
// MinEvaluations votes exist the reputation-weighted consensus decides the
// submission and the matching cascade runs.
func (s *ReviewService) Evaluate(ctx context.Context, submissionID, evaluatorID string, isCorrect bool) (*EvaluationResult, error) {
	const op = "submission.Evaluate"
	econ := s.d.Economics

	sub, err := s.d.Repos.Submissions.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	task, err := s.d.Repos.Tasks.Get(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Category != model.CategoryAIEvaluation {
		return nil, apperr.InvalidState(op, "only %s submissions take evaluations", model.CategoryAIEvaluation)
	}
	if sub.Status != model.SubmissionPendingConsensus {
		return nil, apperr.InvalidState(op, "submission is %s, expected %s", sub.Status, model.SubmissionPendingConsensus)
	}
	if evaluatorID == sub.WorkerID {
		return nil, apperr.InvalidOperation(op, "workers cannot evaluate their own submission")
	}

	eval := &model.Evaluation{SubmissionID: sub.ID, EvaluatorID: evaluatorID, IsCorrect: isCorrect}
	if err := s.d.Repos.Evaluations.Create(ctx, eval); err != nil {
		return nil, err
	}
	s.d.event(task.ID, sub.ID, evaluatorID, "evaluated", boolWord(isCorrect))
	result := &EvaluationResult{Evaluation: eval, Submission: sub}

	evals, err := s.d.Repos.Evaluations.ListBySubmission(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if len(evals) < econ.MinEvaluations {
		return result, nil
	}

	ids := make([]string, len(evals))
	for i, e := range evals {
		ids[i] = e.EvaluatorID
	}
	weights, err := s.d.Reputation.Weights(ctx, ids)
	if err != nil {
		return nil, err
	}
	approved, ratio := consensus(evals, weights, econ.DefaultVoteWeight, econ.ConsensusThreshold)
	result.Consensus = &ratio

	outcome, stamp := model.SubmissionRejected, "rejected_at"
	if approved {
		outcome, stamp = model.SubmissionApproved, "approved_at"
	}
	err = s.d.Repos.Submissions.Transition(ctx, sub.ID,
		[]model.SubmissionStatus{model.SubmissionPendingConsensus}, outcome,
		map[string]any{stamp: time.Now()})
	if apperr.Is(err, apperr.KindInvalidState) {
		// A concurrent vote already closed the submission.
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	sub.Status = outcome
	if approved {
		err = s.approveCascade(ctx, task, sub, evaluatorID)
	} else {
		err = s.rejectCascade(ctx, task, sub, evaluatorID)
	}
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome
	if fresh, err := s.d.Repos.Submissions.Get(ctx, sub.ID); err == nil {
		result.Submission = fresh
	}
	return result, nil
}

// consensus returns whether the weighted share of "correct" votes reaches
// threshold. Missing weights fall back to def; if every weight is zero the
// votes count equally.
func consensus(evals []model.Evaluation, weights map[string]int, def int, threshold float64) (bool, float64) {
	var correct, total float64
	for _, e := range evals {
		w, ok := weights[e.EvaluatorID]
		if !ok {
			w = def
		}
		total += float64(w)
		if e.IsCorrect {
			correct += float64(w)
		}
	}
	if total <= 0 {
		correct, total = 0, float64(len(evals))
		for _, e := range evals {
			if e.IsCorrect {
				correct++
			}
		}
	}
	if total == 0 {
		return false, 0
	}
	ratio := correct / total
	return ratio >= threshold, ratio
}

// approveCascade runs after the submission reached approved (or completed):
// payout, then finishApproval. A payout that cannot be made leaves the
// submission unresolved behind a payout reconciliation item, which an
// operator retries with Reconciler.RetryPayout. The task cannot settle
// before that.
func (s *ReviewService) approveCascade(ctx context.Context, task *model.Task, sub *model.Submission, actorID string) error {
	receipt, err := payWorker(ctx, s.d, task, sub)
	if err != nil {
		enqueueRepair(ctx, s.d, &model.Reconciliation{
			TaskID: task.ID, SubmissionID: sub.ID, Operation: model.ReconcilePayout,
		}, err)
		return err
	}
	return finishApproval(ctx, s.d, task, sub, actorID, receipt)
}

// payWorker releases the submission's payout to the worker's address.
func payWorker(ctx context.Context, d *Deps, task *model.Task, sub *model.Submission) (*ledger.Receipt, error) {
	worker, err := d.Users.GetByID(ctx, sub.WorkerID)
	if err != nil {
		return nil, err
	}
	if worker.PaymentAddress == "" {
		return nil, apperr.InvalidState("submission.payout", "worker %s has no payment address", worker.ID)
	}
	receipt, err := d.Ledger.ReleaseBatchPayouts(ctx, task.ID, []ledger.Payout{
		{Address: worker.PaymentAddress, Amount: task.PayoutPerWorker},
	})
	if err != nil {
		return nil, err
	}
	entry := escrow.Entry(task.ID, model.EscrowTxPayout, task.PayoutPerWorker, receipt)
	entry.SubmissionID = &sub.ID
	entry.ToAddress = worker.PaymentAddress
	recordEscrow(ctx, d, entry)
	return receipt, nil
}

// finishApproval runs once the payout is confirmed: payout hash, reputation,
// resolution and, on the last slot, task completion.
func finishApproval(ctx context.Context, d *Deps, task *model.Task, sub *model.Submission, actorID string, receipt *ledger.Receipt) error {
	detached := context.WithoutCancel(ctx)

	// ── Step 1: payout hash ──
	if err := d.Repos.Submissions.Transition(detached, sub.ID,
		[]model.SubmissionStatus{sub.Status}, sub.Status,
		map[string]any{"payout_tx_hash": receipt.TxHash}); err != nil {
		d.Logger.Warn("payout hash write failed", "submission_id", sub.ID, "error", err)
	}

	// ── Step 2: reputation ──
	if _, err := d.Reputation.Adjust(detached, sub.WorkerID, d.Economics.ApproveDelta, sub.ID, "submission approved"); err != nil {
		d.Logger.Error("reputation reward failed", "user_id", sub.WorkerID, "submission_id", sub.ID, "error", err)
	}

	metrics.SubmissionOutcomesTotal.WithLabelValues(string(model.SubmissionApproved)).Inc()
	d.event(task.ID, sub.ID, actorID, "approved", receipt.TxHash)

	// ── Step 3: resolution ──
	return resolve(detached, d, task, true)
}

// rejectCascade runs after the submission reached rejected.
func (s *ReviewService) rejectCascade(ctx context.Context, task *model.Task, sub *model.Submission, actorID string) error {
	detached := context.WithoutCancel(ctx)
	if _, err := s.d.Reputation.Adjust(detached, sub.WorkerID, s.d.Economics.RejectDelta, sub.ID, "submission rejected"); err != nil {
		s.d.Logger.Error("reputation penalty failed", "user_id", sub.WorkerID, "submission_id", sub.ID, "error", err)
	}
	metrics.SubmissionOutcomesTotal.WithLabelValues(string(model.SubmissionRejected)).Inc()
	s.d.event(task.ID, sub.ID, actorID, "rejected", "")

	return resolve(detached, s.d, task, false)
}

// resolve counts the submission against the task and settles the task if it
// was the last outstanding one: completion when anything was approved,
// cancel-and-refund otherwise.
func resolve(ctx context.Context, d *Deps, task *model.Task, approved bool) error {
	res, err := d.Repos.Tasks.ResolveOne(ctx, task.ID, approved)
	if err != nil {
		return err
	}
	if !res.Last() {
		return nil
	}
	d.Logger.Info("last submission resolved", "task_id", task.ID, "approved", res.Approved, "required", res.Required)
	return settleTask(ctx, d, task, res.Approved, true)
}

// settleTask closes a task on the ledger and locally. It is shared with the
// reconciler, which reissues settlement the ledger never reached and passes
// queue=false so a failed retry does not enqueue another item.
func settleTask(ctx context.Context, d *Deps, task *model.Task, approved int, queue bool) error {
	active := model.ActiveTaskStatuses
	repair := func(op model.ReconcileOp, target model.TaskStatus, tx string, cause error) {
		if queue {
			enqueueRepair(ctx, d, &model.Reconciliation{
				TaskID: task.ID, Operation: op, TargetStatus: target, TxHash: tx,
			}, cause)
		}
	}

	if approved == 0 {
		receipt, err := d.Ledger.CancelAndRefund(ctx, task.ID)
		if err != nil {
			repair(model.ReconcileCancel, model.TaskStatusCancelled, "", err)
			return err
		}
		recordEscrow(ctx, d, escrow.Entry(task.ID, model.EscrowTxRefund, task.TotalCost, receipt))
		err = d.Repos.Tasks.Transition(ctx, task.ID, active, model.TaskStatusCancelled,
			map[string]any{"cancelled_at": time.Now()})
		if err != nil {
			repair(model.ReconcileCancel, model.TaskStatusCancelled, receipt.TxHash, err)
			return err
		}
		metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusCancelled)).Inc()
		d.event(task.ID, "", "", "cancelled", receipt.TxHash)
		return nil
	}

	receipt, err := d.Ledger.CompleteTask(ctx, task.ID)
	if err != nil {
		repair(model.ReconcileComplete, model.TaskStatusCompleted, "", err)
		return err
	}
	recordEscrow(ctx, d, escrow.Entry(task.ID, model.EscrowTxPlatformFee, task.PlatformFee, receipt))
	if unused := task.RequiredWorkers - approved; unused > 0 {
		if refund, err := task.PayoutPerWorker.Mul(unused); err == nil {
			recordEscrow(ctx, d, escrow.Entry(task.ID, model.EscrowTxRefund, refund, receipt))
		}
	}
	err = d.Repos.Tasks.Transition(ctx, task.ID, active, model.TaskStatusCompleted,
		map[string]any{"completed_at": time.Now()})
	if err != nil {
		repair(model.ReconcileComplete, model.TaskStatusCompleted, receipt.TxHash, err)
		return err
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(model.TaskStatusCompleted)).Inc()
	d.event(task.ID, "", "", "completed", receipt.TxHash)
	return nil
}

// GetSubmission returns a submission to its worker, the task creator, or
// any peer while it awaits consensus.
func (s *ReviewService) GetSubmission(ctx context.Context, submissionID, callerID string) (*model.Submission, error) {
	sub, err := s.d.Repos.Submissions.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.WorkerID == callerID || sub.Status == model.SubmissionPendingConsensus {
		return sub, nil
	}
	task, err := s.d.Repos.Tasks.Get(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.IsCreator(callerID) {
		return nil, apperr.Forbidden("submission.Get", "not a party to this submission")
	}
	return sub, nil
}

// ListMine returns the worker's submissions, newest first.
func (s *ReviewService) ListMine(ctx context.Context, workerID string, limit int) ([]model.Submission, error) {
	return s.d.Repos.Submissions.ListByWorker(ctx, workerID, limit)
}

func boolWord(b bool) string {
	if b {
		return "correct"
	}
	return "incorrect"
}
