package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/money"
)

// memTask is the in-memory contract state of one task.
type memTask struct {
	status   Status
	total    money.Amount
	balance  money.Amount
	assigned []string
}

// Memory is an in-process escrow contract with the same status rules as
// the deployed one. The server falls back to it when no RPC endpoint is
// configured.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*memTask
	nonce    uint64
	operator common.Address
	contract common.Address
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*memTask),
		operator: common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		contract: common.HexToAddress("0x00000000000000000000000000000000000e5c40"),
	}
}

var errNotFunded = errors.New("payout exceeds escrow balance")

func (m *Memory) CreateTask(_ context.Context, taskID string, total money.Amount, _ int) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return nil, revert("createTask", t.status, StatusNone)
	}
	m.tasks[taskID] = &memTask{status: StatusCreated, total: total}
	return m.receipt(), nil
}

func (m *Memory) FundTask(_ context.Context, taskID string, amount money.Amount) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.expect("fundTask", taskID, StatusCreated)
	if err != nil {
		return nil, err
	}
	if amount != t.total {
		return nil, apperr.Blockchain("ledger.fundTask", fmt.Errorf("deposit %s does not match total %s", amount, t.total))
	}
	t.balance, t.status = amount, StatusFunded
	return m.receipt(), nil
}

func (m *Memory) AssignWorkers(_ context.Context, taskID string, workers []string) (*Receipt, error) {
	if _, err := toAddresses(workers); err != nil {
		return nil, apperr.Blockchain("ledger.assignWorkers", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.expect("assignWorkers", taskID, StatusFunded, StatusAssigned)
	if err != nil {
		return nil, err
	}
	t.assigned = append(t.assigned, workers...)
	t.status = StatusAssigned
	return m.receipt(), nil
}

func (m *Memory) ReleaseBatchPayouts(_ context.Context, taskID string, payouts []Payout) (*Receipt, error) {
	if len(payouts) == 0 {
		return nil, apperr.Blockchain("ledger.releaseBatchPayouts", errors.New("empty payout batch"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.expect("releaseBatchPayouts", taskID, StatusFunded, StatusAssigned)
	if err != nil {
		return nil, err
	}
	var sum money.Amount
	for _, p := range payouts {
		if !common.IsHexAddress(p.Address) {
			return nil, apperr.Blockchain("ledger.releaseBatchPayouts", fmt.Errorf("invalid address %q", p.Address))
		}
		sum += p.Amount
	}
	if sum > t.balance {
		return nil, apperr.Blockchain("ledger.releaseBatchPayouts", errNotFunded)
	}
	t.balance -= sum
	return m.receipt(), nil
}

func (m *Memory) CompleteTask(_ context.Context, taskID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.expect("completeTask", taskID, StatusFunded, StatusAssigned)
	if err != nil {
		return nil, err
	}
	t.balance, t.status = 0, StatusCompleted
	return m.receipt(), nil
}

func (m *Memory) CancelAndRefund(_ context.Context, taskID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.expect("cancelAndRefund", taskID, StatusCreated, StatusFunded, StatusAssigned)
	if err != nil {
		return nil, err
	}
	t.balance, t.status = 0, StatusCancelled
	return m.receipt(), nil
}

func (m *Memory) GetTaskStatus(_ context.Context, taskID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return t.status, nil
	}
	return StatusNone, nil
}

// Balance returns the escrow still held for a task.
func (m *Memory) Balance(taskID string) money.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return t.balance
	}
	return 0
}

// Assigned returns the worker addresses registered for a task.
func (m *Memory) Assigned(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return slices.Clone(t.assigned)
	}
	return nil
}

func (m *Memory) expect(method, taskID string, allowed ...Status) (*memTask, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, revert(method, StatusNone, allowed...)
	}
	if !slices.Contains(allowed, t.status) {
		return nil, revert(method, t.status, allowed...)
	}
	return t, nil
}

func revert(method string, got Status, allowed ...Status) error {
	return apperr.Blockchain("ledger."+method, fmt.Errorf("%w: task is %s, want one of %v", errReverted, got, allowed))
}

// receipt fabricates a confirmed receipt; m.mu must be held.
func (m *Memory) receipt() *Receipt {
	m.nonce++
	return &Receipt{
		TxHash:      crypto.Keccak256Hash(fmt.Appendf(nil, "memory-tx-%d", m.nonce)).Hex(),
		BlockNumber: m.nonce,
		GasUsed:     21_000,
		From:        m.operator.Hex(),
		To:          m.contract.Hex(),
	}
}
