package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

type sentTx struct {
	method string
	value  *big.Int
	params []any
}

// fakeChain plays contract, caller and receipt source at once.
type fakeChain struct {
	mu        sync.Mutex
	abi       abi.ABI
	sent      []sentTx
	sendErr   error
	waitErr   error
	reverted  bool
	status    Status            // status reported by getTaskStatus
	statusFor map[string]Status // method → status after it confirms
}

func (f *fakeChain) Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentTx{method: method, value: opts.Value, params: params})
	if st, ok := f.statusFor[method]; ok {
		f.status = st
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    uint64(len(f.sent)),
		To:       &contractAddr,
		Value:    opts.Value,
		Gas:      100_000,
		GasPrice: big.NewInt(1),
	}), nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil || *msg.To != contractAddr {
		return nil, errors.New("wrong contract")
	}
	return f.abi.Methods["getTaskStatus"].Outputs.Pack(uint8(f.status))
}

func (f *fakeChain) wait(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	status := types.ReceiptStatusSuccessful
	if f.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     54_321,
		BlockNumber: big.NewInt(42),
	}, nil
}

func newTestGateway(t *testing.T) (*EthGateway, *fakeChain) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)

	chain := &fakeChain{
		abi: parsed,
		statusFor: map[string]Status{
			"createTask":      StatusCreated,
			"fundTask":        StatusFunded,
			"assignWorkers":   StatusAssigned,
			"completeTask":    StatusCompleted,
			"cancelAndRefund": StatusCancelled,
		},
	}
	g := newGateway(chain, chain, chain.wait, signer, contractAddr, parsed, time.Second, logging.NewNoOpLogger())
	return g, chain
}

func TestLifecycleCalls(t *testing.T) {
	g, chain := newTestGateway(t)
	ctx := context.Background()
	total := money.MustParse("0.023")

	r, err := g.CreateTask(ctx, "task-1", total, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r.BlockNumber)
	assert.Equal(t, uint64(54_321), r.GasUsed)
	assert.Equal(t, contractAddr.Hex(), r.To)
	assert.Equal(t, g.signer.From.Hex(), r.From)

	_, err = g.FundTask(ctx, "task-1", total)
	require.NoError(t, err)

	worker := "0x00000000000000000000000000000000000000a1"
	_, err = g.AssignWorkers(ctx, "task-1", []string{worker})
	require.NoError(t, err)

	_, err = g.ReleaseBatchPayouts(ctx, "task-1", []Payout{{Address: worker, Amount: money.MustParse("0.01")}})
	require.NoError(t, err)

	_, err = g.CompleteTask(ctx, "task-1")
	require.NoError(t, err)

	st, err := g.GetTaskStatus(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)

	require.Len(t, chain.sent, 5)
	create := chain.sent[0]
	assert.Equal(t, "createTask", create.method)
	assert.Equal(t, TaskKey("task-1"), create.params[0])
	assert.Equal(t, 0, total.Wei().Cmp(create.params[1].(*big.Int)))
	assert.Equal(t, uint32(2), create.params[2])

	fund := chain.sent[1]
	require.NotNil(t, fund.value)
	assert.Equal(t, 0, total.Wei().Cmp(fund.value), "fund carries the total as value")

	payout := chain.sent[3]
	assert.Equal(t, []common.Address{common.HexToAddress(worker)}, payout.params[1])
}

func TestSendFailureIsBlockchainError(t *testing.T) {
	g, chain := newTestGateway(t)
	chain.sendErr = errors.New("insufficient funds for gas")

	_, err := g.FundTask(context.Background(), "task-1", 1)
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestWaitFailureIsBlockchainError(t *testing.T) {
	g, chain := newTestGateway(t)
	chain.waitErr = context.DeadlineExceeded

	_, err := g.CompleteTask(context.Background(), "task-1")
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevertedReceiptIsBlockchainError(t *testing.T) {
	g, chain := newTestGateway(t)
	chain.reverted = true

	_, err := g.CancelAndRefund(context.Background(), "task-1")
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.ErrorIs(t, err, errReverted)
	assert.Len(t, chain.sent, 1, "a reverted transaction is not retried")
}

func TestStatusMismatchIsBlockchainError(t *testing.T) {
	g, chain := newTestGateway(t)
	delete(chain.statusFor, "completeTask") // contract stays ASSIGNED
	chain.status = StatusAssigned

	_, err := g.CompleteTask(context.Background(), "task-1")
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.ErrorIs(t, err, errStatusMismatch)
}

func TestInvalidAddressesAreRejectedBeforeSending(t *testing.T) {
	g, chain := newTestGateway(t)

	_, err := g.AssignWorkers(context.Background(), "task-1", []string{"nope"})
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	_, err = g.ReleaseBatchPayouts(context.Background(), "task-1", nil)
	assert.True(t, apperr.Is(err, apperr.KindBlockchain))
	assert.Empty(t, chain.sent)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "FUNDED", StatusFunded.String())
	assert.Equal(t, "UNKNOWN(9)", Status(9).String())
}
