// Package service holds the task lifecycle and submission review
// orchestrators, plus the periodic sweeper and reconciler they rely on.
package service

import (
	"context"

	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/config"
	"github.com/lizcirble/shakabackend/internal/escrow"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/repository"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"github.com/lizcirble/shakabackend/internal/splitproc"
)

// EventLogger receives lifecycle events for the audit trail. Writes are
// best-effort; store.Store implements it asynchronously.
type EventLogger interface {
	LogTaskEvent(taskID, submissionID, actorID, event, detail string)
}

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Repos      *repository.Repositories
	Users      auth.UserService
	Reputation reputation.Adjuster
	Ledger     ledger.Gateway
	Escrow     escrow.Recorder
	Split      splitproc.Client // optional; nil disables offloading
	Events     EventLogger
	Economics  config.Economics
	Logger     logging.Logger
}

// recordEscrow appends a mirror row. The ledger call already succeeded, so a
// failure here is logged and the reconciler's drift sweep covers the state.
func recordEscrow(ctx context.Context, d *Deps, entry *model.EscrowTransaction) {
	if err := d.Escrow.Record(context.WithoutCancel(ctx), entry); err != nil {
		d.Logger.Error("escrow mirror write failed",
			"task_id", entry.TaskID, "type", entry.Type, "tx", entry.TxHash, "error", err)
	}
}

// enqueueRepair queues a reconciliation for a ledger change whose local
// follow-up failed.
func enqueueRepair(ctx context.Context, d *Deps, rec *model.Reconciliation, cause error) {
	rec.LastError = cause.Error()
	if err := d.Repos.Reconciliations.Enqueue(context.WithoutCancel(ctx), rec); err != nil {
		d.Logger.Error("reconciliation enqueue failed",
			"task_id", rec.TaskID, "op", rec.Operation, "cause", cause, "error", err)
		return
	}
	d.Logger.Warn("reconciliation queued", "task_id", rec.TaskID, "op", rec.Operation, "cause", cause)
}

func (d *Deps) event(taskID, submissionID, actorID, event, detail string) {
	if d.Events != nil {
		d.Events.LogTaskEvent(taskID, submissionID, actorID, event, detail)
	}
}
