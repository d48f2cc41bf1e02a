package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/money"
	"github.com/stretchr/testify/mock"
)

var txSeq atomic.Int64

func receipt() *ledger.Receipt {
	return &ledger.Receipt{
		TxHash:      fmt.Sprintf("0x%064x", txSeq.Add(1)),
		BlockNumber: 100,
		GasUsed:     60_000,
		From:        "0x00000000000000000000000000000000000000f0",
		To:          "0x00000000000000000000000000000000000e5c40",
	}
}

// mockGateway is a testify mock of ledger.Gateway.
type mockGateway struct {
	mock.Mock
}

func receiptOf(args mock.Arguments) (*ledger.Receipt, error) {
	r, _ := args.Get(0).(*ledger.Receipt)
	return r, args.Error(1)
}

func (m *mockGateway) CreateTask(_ context.Context, taskID string, total money.Amount, requiredWorkers int) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID, total, requiredWorkers))
}

func (m *mockGateway) FundTask(_ context.Context, taskID string, amount money.Amount) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID, amount))
}

func (m *mockGateway) AssignWorkers(_ context.Context, taskID string, workers []string) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID, workers))
}

func (m *mockGateway) ReleaseBatchPayouts(_ context.Context, taskID string, payouts []ledger.Payout) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID, payouts))
}

func (m *mockGateway) CompleteTask(_ context.Context, taskID string) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID))
}

func (m *mockGateway) CancelAndRefund(_ context.Context, taskID string) (*ledger.Receipt, error) {
	return receiptOf(m.Called(taskID))
}

func (m *mockGateway) GetTaskStatus(_ context.Context, taskID string) (ledger.Status, error) {
	args := m.Called(taskID)
	return args.Get(0).(ledger.Status), args.Error(1)
}

// allowWrites accepts every write call with a fresh receipt. Expectations
// registered before it take precedence.
func (m *mockGateway) allowWrites() {
	m.On("CreateTask", mock.Anything, mock.Anything, mock.Anything).Return(receipt(), nil)
	m.On("FundTask", mock.Anything, mock.Anything).Return(receipt(), nil)
	m.On("AssignWorkers", mock.Anything, mock.Anything).Return(receipt(), nil)
	m.On("ReleaseBatchPayouts", mock.Anything, mock.Anything).Return(receipt(), nil)
	m.On("CompleteTask", mock.Anything).Return(receipt(), nil)
	m.On("CancelAndRefund", mock.Anything).Return(receipt(), nil)
}

// mockSplit is a testify mock of splitproc.Client.
type mockSplit struct {
	mock.Mock
}

func (m *mockSplit) Submit(_ context.Context, sub model.Subtask) (string, error) {
	args := m.Called(sub)
	return args.String(0), args.Error(1)
}

func (m *mockSplit) PollStatus(_ context.Context, jobID string) (*model.JobStatus, error) {
	args := m.Called(jobID)
	st, _ := args.Get(0).(*model.JobStatus)
	return st, args.Error(1)
}
