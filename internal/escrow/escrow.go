package escrow

import (
	"context"
	"time"

	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/money"
	"gorm.io/gorm"
)

// Recorder appends the local mirror of confirmed escrow transactions.
// Rows are never updated.
type Recorder interface {
	Record(ctx context.Context, entry *model.EscrowTransaction) error
	ListByTask(ctx context.Context, taskID string) ([]model.EscrowTransaction, error)
}

type recorder struct {
	db *gorm.DB
}

// NewRecorder creates a Recorder backed by the given DB.
func NewRecorder(db *gorm.DB) Recorder {
	return &recorder{db: db}
}

func (r *recorder) Record(ctx context.Context, entry *model.EscrowTransaction) error {
	if entry.ID != 0 {
		return apperr.InvalidOperation("escrow.Record", "escrow entries are append-only")
	}
	if entry.Status == "" {
		entry.Status = model.EscrowTxConfirmed
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apperr.Dependency("escrow.Record", err)
	}
	return nil
}

func (r *recorder) ListByTask(ctx context.Context, taskID string) ([]model.EscrowTransaction, error) {
	var out []model.EscrowTransaction
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, apperr.Dependency("escrow.ListByTask", err)
	}
	return out, nil
}

// Entry builds a mirror row from a gateway receipt.
func Entry(taskID string, typ model.EscrowTxType, amount money.Amount, r *ledger.Receipt) *model.EscrowTransaction {
	e := &model.EscrowTransaction{
		TaskID: taskID,
		Type:   typ,
		Status: model.EscrowTxConfirmed,
		Amount: amount,
	}
	if r != nil {
		e.TxHash = r.TxHash
		e.FromAddress = r.From
		e.ToAddress = r.To
		e.BlockNumber = r.BlockNumber
		e.GasUsed = r.GasUsed
	}
	return e
}
