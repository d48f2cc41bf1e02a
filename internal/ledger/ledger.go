package ledger

import (
	"context"
	"fmt"

	"github.com/lizcirble/shakabackend/internal/money"
)

// Status is the escrow contract's view of a task.
type Status uint8

const (
	StatusNone Status = iota
	StatusCreated
	StatusFunded
	StatusAssigned
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusCreated:
		return "CREATED"
	case StatusFunded:
		return "FUNDED"
	case StatusAssigned:
		return "ASSIGNED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Receipt summarises a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// Payout is one worker's share released from escrow.
type Payout struct {
	Address string
	Amount  money.Amount
}

// Gateway issues escrow transactions. Every write submits exactly one
// transaction and returns only once it is confirmed; a send failure, a
// reverted receipt or an unexpected post-call status is a Blockchain error.
// Nothing is retried here.
type Gateway interface {
	CreateTask(ctx context.Context, taskID string, total money.Amount, requiredWorkers int) (*Receipt, error)
	FundTask(ctx context.Context, taskID string, amount money.Amount) (*Receipt, error)
	AssignWorkers(ctx context.Context, taskID string, workers []string) (*Receipt, error)
	ReleaseBatchPayouts(ctx context.Context, taskID string, payouts []Payout) (*Receipt, error)
	CompleteTask(ctx context.Context, taskID string) (*Receipt, error)
	CancelAndRefund(ctx context.Context, taskID string) (*Receipt, error)
	GetTaskStatus(ctx context.Context, taskID string) (Status, error)
}
