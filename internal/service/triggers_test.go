package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSweeperExpiresStaleReservations(t *testing.T) {
	f := newFixture(t)
	f.gw.allowWrites()
	ctx := context.Background()
	creator := f.user(t, "creator")
	w1, w2 := f.user(t, "w1"), f.user(t, "w2")
	task := f.fundedTask(t, creator, model.CategoryImageLabeling, 1)

	res, err := f.tasks.Assign(ctx, w1.ID)
	require.NoError(t, err)
	_, err = f.tasks.Assign(ctx, w2.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "the only slot is held")

	sweeper := NewSweeper(f.d)
	n, err := sweeper.CheckExpiredSubmissions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still within the TTL")

	sweeper.now = func() time.Time { return time.Now().Add(5*time.Minute + time.Second) }
	n, err = sweeper.CheckExpiredSubmissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := f.d.Repos.Submissions.Get(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionExpired, sub.Status)
	assert.NotNil(t, sub.ExpiredAt)

	again, err := f.tasks.Assign(ctx, w2.ID)
	require.NoError(t, err, "the expired slot is open again")
	assert.Equal(t, task.ID, again.Task.ID)

	_, err = f.review.SubmitWork(ctx, res.Submission.ID, w1.ID, payload)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "expired reservations take no work")
}

func TestSweeperLeavesSubmittedWork(t *testing.T) {
	f := newFixture(t)
	f.gw.allowWrites()
	creator := f.user(t, "creator")
	worker := f.user(t, "worker")
	f.fundedTask(t, creator, model.CategoryImageLabeling, 1)
	subs := f.submitted(t, worker)

	sweeper := NewSweeper(f.d)
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := sweeper.CheckExpiredSubmissions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	sub, err := f.d.Repos.Submissions.Get(context.Background(), subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionPendingApproval, sub.Status)
}

func TestReconcilerAppliesFundTheLedgerReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, "creator")
	f.gw.allowWrites()
	task := f.createTask(t, creator, model.CategoryImageLabeling, "0.01", 1)

	require.NoError(t, f.d.Repos.Reconciliations.Enqueue(ctx, &model.Reconciliation{
		TaskID: task.ID, Operation: model.ReconcileFund, TargetStatus: model.TaskStatusFunded, LastError: "db down",
	}))
	f.gw.On("GetTaskStatus", task.ID).Return(ledger.StatusFunded, nil)

	rep, err := NewReconciler(f.d).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Equal(t, model.TaskStatusFunded, f.taskStatus(t, task.ID))

	open, err := f.d.Repos.Reconciliations.ListOpen(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReconcilerReissuesSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, "creator")
	worker := f.user(t, "worker")

	f.gw.On("CompleteTask", mock.Anything).
		Return(nil, apperr.Blockchain("ledger.completeTask", errors.New("timeout"))).Once()
	f.gw.allowWrites()
	task := f.fundedTask(t, creator, model.CategoryImageLabeling, 1)
	subs := f.submitted(t, worker)

	_, err := f.review.Approve(ctx, subs[0].ID, creator.ID)
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.Equal(t, model.TaskStatusAssigned, f.taskStatus(t, task.ID))

	f.gw.On("GetTaskStatus", task.ID).Return(ledger.StatusAssigned, nil)
	rep, err := NewReconciler(f.d).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Equal(t, model.TaskStatusCompleted, f.taskStatus(t, task.ID))
	f.gw.AssertNumberOfCalls(t, "CompleteTask", 2)
}

func TestReconcilerRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, "creator")
	f.gw.allowWrites()
	cancelled := f.createTask(t, creator, model.CategoryImageLabeling, "0.01", 1)
	inSync := f.createTask(t, creator, model.CategoryImageLabeling, "0.01", 1)

	f.gw.On("GetTaskStatus", cancelled.ID).Return(ledger.StatusCancelled, nil)
	f.gw.On("GetTaskStatus", inSync.ID).Return(ledger.StatusCreated, nil)

	rep, err := NewReconciler(f.d).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, model.TaskStatusCancelled, f.taskStatus(t, cancelled.ID))
	assert.Equal(t, model.TaskStatusDraft, f.taskStatus(t, inSync.ID))

	entries, err := f.d.Escrow.ListByTask(ctx, cancelled.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.EscrowTxReconciled, last.Status)
	assert.Equal(t, model.EscrowTxRefund, last.Type)
}

func TestReconcilerHoldsUnconfirmedPayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.d.Repos.Reconciliations.Enqueue(ctx, &model.Reconciliation{
		TaskID: "task-x", SubmissionID: "sub-x", Operation: model.ReconcilePayout,
	}))

	rep, err := NewReconciler(f.d).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending)

	open, err := f.d.Repos.Reconciliations.ListOpen(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Attempts)
	assert.Contains(t, open[0].LastError, "operator review")
	f.gw.AssertNotCalled(t, "ReleaseBatchPayouts", mock.Anything, mock.Anything)
}

func TestRetryPayoutWaitsForPaymentAddress(t *testing.T) {
	f := newFixture(t)
	f.gw.allowWrites()
	ctx := context.Background()
	creator := f.user(t, "creator")
	worker := f.user(t, "worker")
	task := f.fundedTask(t, creator, model.CategoryComputeShare, 1)

	res, err := f.tasks.Assign(ctx, worker.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&auth.User{}).Where("id = ?", worker.ID).
		Update("payment_address", "").Error)

	_, err = f.review.SubmitWork(ctx, res.Submission.ID, worker.ID, payload)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	open, err := f.d.Repos.Reconciliations.ListOpen(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	reconciler := NewReconciler(f.d)
	_, err = reconciler.RetryPayout(ctx, open[0].ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	open, err = f.d.Repos.Reconciliations.ListOpen(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1, "a failed retry reopens the item")
	assert.Equal(t, 1, open[0].Attempts)
	f.gw.AssertNotCalled(t, "ReleaseBatchPayouts", mock.Anything, mock.Anything)

	_, err = f.d.Users.SetPaymentAddress(ctx, worker.ID, worker.PaymentAddress)
	require.NoError(t, err)
	_, err = reconciler.RetryPayout(ctx, open[0].ID)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, f.taskStatus(t, task.ID))
	assert.Equal(t, 110, f.reputationOf(t, worker.ID))
	f.gw.AssertNumberOfCalls(t, "ReleaseBatchPayouts", 1)
	f.gw.AssertNumberOfCalls(t, "CompleteTask", 1)
}

func TestRetryPayoutRejectsOtherItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &model.Reconciliation{TaskID: "task-x", Operation: model.ReconcileComplete}
	require.NoError(t, f.d.Repos.Reconciliations.Enqueue(ctx, rec))

	reconciler := NewReconciler(f.d)
	_, err := reconciler.RetryPayout(ctx, rec.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	_, err = reconciler.RetryPayout(ctx, rec.ID+1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDriftAlreadyAppliedIsNotCounted(t *testing.T) {
	f := newFixture(t)
	f.gw.allowWrites()
	ctx := context.Background()
	creator := f.user(t, "creator")
	stale := f.createTask(t, creator, model.CategoryImageLabeling, "0.01", 1)
	f.gw.On("GetTaskStatus", stale.ID).Return(ledger.StatusCancelled, nil)

	// Another request cancels the task after the reconciler read it.
	require.NoError(t, f.d.Repos.Tasks.Transition(ctx, stale.ID,
		[]model.TaskStatus{model.TaskStatusDraft}, model.TaskStatusCancelled, nil))
	before, err := f.d.Escrow.ListByTask(ctx, stale.ID)
	require.NoError(t, err)

	fixed, err := NewReconciler(f.d).alignTask(ctx, stale)
	require.NoError(t, err)
	assert.False(t, fixed)

	after, err := f.d.Escrow.ListByTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no mirror row for a move this pass did not make")
}
