package service

import (
	"context"
	"fmt"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
)

// ReconcileReport summarises one reconciler pass.
type ReconcileReport struct {
	Resolved int `json:"resolved"` // queued repairs closed
	Pending  int `json:"pending"`  // queued repairs still open
	Repaired int `json:"repaired"` // drifted tasks brought in line with the ledger
}

// Reconciler closes the window where the ledger moved but the local write
// after it did not.
type Reconciler struct {
	d     *Deps
	batch int
}

// NewReconciler creates the reconciler.
func NewReconciler(d *Deps) *Reconciler {
	return &Reconciler{d: d, batch: 100}
}

// Run processes the open reconciliation queue, then compares every
// non-terminal ledger-tracked task with its on-chain status.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	open, err := r.d.Repos.Reconciliations.ListOpen(ctx, r.batch)
	if err != nil {
		return rep, err
	}
	for _, rec := range open {
		done, err := r.repair(ctx, &rec)
		switch {
		case err != nil:
			metrics.ReconciliationsTotal.WithLabelValues("error").Inc()
			rep.Pending++
			if aerr := r.d.Repos.Reconciliations.RecordAttempt(ctx, rec.ID, err); aerr != nil {
				return rep, aerr
			}
		case done:
			metrics.ReconciliationsTotal.WithLabelValues("resolved").Inc()
			rep.Resolved++
			if merr := r.d.Repos.Reconciliations.MarkResolved(ctx, rec.ID); merr != nil {
				return rep, merr
			}
		}
	}

	tasks, err := r.d.Repos.Tasks.ListLedgerTracked(ctx, r.batch)
	if err != nil {
		return rep, err
	}
	for i := range tasks {
		fixed, err := r.alignTask(ctx, &tasks[i])
		if err != nil {
			r.d.Logger.Warn("drift check failed", "task_id", tasks[i].ID, "error", err)
			continue
		}
		if fixed {
			metrics.ReconciliationsTotal.WithLabelValues("drift").Inc()
			rep.Repaired++
		}
	}

	if rep.Resolved+rep.Pending+rep.Repaired > 0 {
		r.d.Logger.Info("reconciliation pass", "resolved", rep.Resolved, "pending", rep.Pending, "repaired", rep.Repaired)
	}
	return rep, nil
}

// repair handles one queued item. It returns done when the item can be
// closed.
func (r *Reconciler) repair(ctx context.Context, rec *model.Reconciliation) (bool, error) {
	if rec.Operation == model.ReconcilePayout {
		return r.repairPayout(ctx, rec)
	}

	task, err := r.d.Repos.Tasks.Get(ctx, rec.TaskID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	onChain, err := r.d.Ledger.GetTaskStatus(ctx, task.ID)
	if err != nil {
		return false, err
	}

	switch rec.Operation {
	case model.ReconcileFund:
		switch onChain {
		case ledger.StatusFunded, ledger.StatusAssigned, ledger.StatusCompleted:
			_, err := r.transition(ctx, task, model.TaskStatusFunded, []model.TaskStatus{model.TaskStatusDraft})
			return err == nil, err
		default:
			// The funding never landed; nothing local to repair.
			return true, nil
		}

	case model.ReconcileComplete, model.ReconcileCancel:
		target, want := model.TaskStatusCompleted, ledger.StatusCompleted
		if rec.Operation == model.ReconcileCancel {
			target, want = model.TaskStatusCancelled, ledger.StatusCancelled
		}
		if task.Status.IsTerminal() {
			return true, nil
		}
		switch onChain {
		case want:
			_, err := r.transition(ctx, task, target, model.ActiveTaskStatuses)
			return err == nil, err
		case ledger.StatusFunded, ledger.StatusAssigned:
			// Settlement never reached the ledger; issue it again.
			return true, settleTask(ctx, r.d, task, task.ApprovedCount, false)
		default:
			return false, fmt.Errorf("ledger is %s, want %s", onChain, want)
		}
	}
	return false, fmt.Errorf("unknown reconcile operation %q", rec.Operation)
}

// repairPayout closes a payout item once the mirror shows the payout
// confirmed. Payouts are never reissued automatically; see RetryPayout.
func (r *Reconciler) repairPayout(ctx context.Context, rec *model.Reconciliation) (bool, error) {
	paid, err := r.payoutMirrored(ctx, rec)
	if err != nil {
		return false, err
	}
	if paid {
		return true, nil
	}
	return false, fmt.Errorf("payout for submission %s not confirmed, needs operator review", rec.SubmissionID)
}

func (r *Reconciler) payoutMirrored(ctx context.Context, rec *model.Reconciliation) (bool, error) {
	entries, err := r.d.Escrow.ListByTask(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Type == model.EscrowTxPayout && e.SubmissionID != nil && *e.SubmissionID == rec.SubmissionID {
			return true, nil
		}
	}
	return false, nil
}

// RetryPayout is the operator's repair for a payout item: it reissues the
// payout and finishes the approval (reputation, resolution and, for the
// last outstanding submission, task settlement). The item is claimed first,
// so concurrent retries pay at most once; a failed payout reopens it.
func (r *Reconciler) RetryPayout(ctx context.Context, id uint) (*model.Reconciliation, error) {
	const op = "reconciliation.RetryPayout"

	rec, err := r.d.Repos.Reconciliations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Operation != model.ReconcilePayout {
		return nil, apperr.InvalidOperation(op, "reconciliation %d is a %s item, not a payout", id, rec.Operation)
	}
	if paid, err := r.payoutMirrored(ctx, rec); err != nil {
		return nil, err
	} else if paid {
		return nil, apperr.InvalidState(op, "payout for submission %s is already confirmed", rec.SubmissionID)
	}

	won, err := r.d.Repos.Reconciliations.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.InvalidState(op, "reconciliation %d is already resolved", id)
	}

	task, sub, err := r.approvedSubmission(ctx, rec)
	if err == nil {
		var receipt *ledger.Receipt
		if receipt, err = payWorker(ctx, r.d, task, sub); err == nil {
			metrics.ReconciliationsTotal.WithLabelValues("payout_retried").Inc()
			r.d.Logger.Info("payout reissued", "task_id", task.ID, "submission_id", sub.ID, "tx", receipt.TxHash)
			// The payout is done; a settlement failure queues its own item.
			if err := finishApproval(ctx, r.d, task, sub, "", receipt); err != nil {
				return nil, err
			}
			rec.Resolved = true
			return rec, nil
		}
	}

	if rerr := r.d.Repos.Reconciliations.Reopen(context.WithoutCancel(ctx), id, err); rerr != nil {
		r.d.Logger.Error("reopen reconciliation failed", "id", id, "error", rerr)
	}
	return nil, err
}

func (r *Reconciler) approvedSubmission(ctx context.Context, rec *model.Reconciliation) (*model.Task, *model.Submission, error) {
	sub, err := r.d.Repos.Submissions.Get(ctx, rec.SubmissionID)
	if err != nil {
		return nil, nil, err
	}
	if sub.Status != model.SubmissionApproved && sub.Status != model.SubmissionCompleted {
		return nil, nil, apperr.InvalidState("reconciliation.RetryPayout",
			"submission %s is %s, not approved", sub.ID, sub.Status)
	}
	task, err := r.d.Repos.Tasks.Get(ctx, sub.TaskID)
	if err != nil {
		return nil, nil, err
	}
	return task, sub, nil
}

// alignTask applies the local transition for a ledger that is ahead.
func (r *Reconciler) alignTask(ctx context.Context, task *model.Task) (bool, error) {
	onChain, err := r.d.Ledger.GetTaskStatus(ctx, task.ID)
	if err != nil {
		return false, err
	}

	var (
		target model.TaskStatus
		from   []model.TaskStatus
	)
	switch {
	case onChain == ledger.StatusCompleted:
		target, from = model.TaskStatusCompleted, model.ActiveTaskStatuses
	case onChain == ledger.StatusCancelled:
		target, from = model.TaskStatusCancelled, append([]model.TaskStatus{model.TaskStatusDraft}, model.ActiveTaskStatuses...)
	case (onChain == ledger.StatusFunded || onChain == ledger.StatusAssigned) && task.Status == model.TaskStatusDraft:
		target, from = model.TaskStatusFunded, []model.TaskStatus{model.TaskStatusDraft}
	default:
		return false, nil
	}
	if task.Status == target {
		return false, nil
	}
	moved, err := r.transition(ctx, task, target, from)
	if err != nil || !moved {
		return false, err
	}
	recordEscrow(ctx, r.d, &model.EscrowTransaction{
		TaskID: task.ID,
		Type:   reconciledType(target),
		Status: model.EscrowTxReconciled,
	})
	return true, nil
}

// transition applies target and reports whether this call moved the task.
func (r *Reconciler) transition(ctx context.Context, task *model.Task, target model.TaskStatus, from []model.TaskStatus) (bool, error) {
	fields := map[string]any{}
	now := time.Now()
	switch target {
	case model.TaskStatusFunded:
		fields["funded_at"] = now
	case model.TaskStatusCompleted:
		fields["completed_at"] = now
	case model.TaskStatusCancelled:
		fields["cancelled_at"] = now
	}
	err := r.d.Repos.Tasks.Transition(ctx, task.ID, from, target, fields)
	if apperr.Is(err, apperr.KindInvalidState) {
		// Someone else already moved the task.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(target)).Inc()
	r.d.event(task.ID, "", "", "reconciled", string(target))
	r.d.Logger.Info("task reconciled with ledger", "task_id", task.ID, "status", target)
	return true, nil
}

func reconciledType(s model.TaskStatus) model.EscrowTxType {
	switch s {
	case model.TaskStatusCompleted:
		return model.EscrowTxComplete
	case model.TaskStatusCancelled:
		return model.EscrowTxRefund
	}
	return model.EscrowTxFund
}
