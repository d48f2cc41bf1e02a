package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/money"
)

var (
	errReverted       = errors.New("transaction reverted")
	errStatusMismatch = errors.New("post-call status mismatch")
)

// EthConfig locates the escrow contract and the operator key.
type EthConfig struct {
	RPCURL          string
	ContractAddress string
	SignerKey       string // hex, with or without 0x
	ChainID         int64
	ConfirmTimeout  time.Duration
}

// transactor is the write half of a bound contract.
type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

type waitFunc func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// EthGateway talks to the escrow contract through go-ethereum.
type EthGateway struct {
	contract       transactor
	caller         ethereum.ContractCaller
	wait           waitFunc
	signer         *bind.TransactOpts
	address        common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	logger         logging.Logger

	sendMu sync.Mutex // one in-flight send at a time keeps nonces ordered
	client *ethclient.Client
}

var _ Gateway = (*EthGateway)(nil)

// NewEthGateway dials the RPC endpoint and binds the escrow contract.
func NewEthGateway(ctx context.Context, cfg EthConfig, logger logging.Logger) (*EthGateway, error) {
	if cfg.RPCURL == "" || cfg.ContractAddress == "" || cfg.SignerKey == "" {
		return nil, fmt.Errorf("ledger: rpc url, contract address and signer key are required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect to ethereum client: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsed, client, client, client)
	wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, client, tx)
	}

	g := newGateway(contract, client, wait, signer, address, parsed, cfg.ConfirmTimeout, logger)
	g.client = client
	return g, nil
}

func newGateway(contract transactor, caller ethereum.ContractCaller, wait waitFunc, signer *bind.TransactOpts,
	address common.Address, parsed abi.ABI, confirmTimeout time.Duration, logger logging.Logger) *EthGateway {
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	return &EthGateway{
		contract:       contract,
		caller:         caller,
		wait:           wait,
		signer:         signer,
		address:        address,
		abi:            parsed,
		confirmTimeout: confirmTimeout,
		logger:         logger.With("component", "ledger"),
	}
}

// CheckContractDeployed verifies there is code at the configured address.
func (g *EthGateway) CheckContractDeployed(ctx context.Context) error {
	if g.client == nil {
		return nil
	}
	code, err := g.client.CodeAt(ctx, g.address, nil)
	if err != nil {
		return fmt.Errorf("get contract code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("escrow contract not deployed at %s", g.address.Hex())
	}
	return nil
}

// Close releases the RPC connection.
func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// TaskKey maps a local task id to the contract's bytes32 key.
func TaskKey(taskID string) [32]byte {
	return crypto.Keccak256Hash([]byte(taskID))
}

// ─────────────────────────────────────────────
// Gateway operations
// ─────────────────────────────────────────────

func (g *EthGateway) CreateTask(ctx context.Context, taskID string, total money.Amount, requiredWorkers int) (*Receipt, error) {
	return g.send(ctx, "createTask", taskID, nil, []Status{StatusCreated},
		TaskKey(taskID), total.Wei(), uint32(requiredWorkers))
}

func (g *EthGateway) FundTask(ctx context.Context, taskID string, amount money.Amount) (*Receipt, error) {
	return g.send(ctx, "fundTask", taskID, amount.Wei(), []Status{StatusFunded},
		TaskKey(taskID))
}

func (g *EthGateway) AssignWorkers(ctx context.Context, taskID string, workers []string) (*Receipt, error) {
	addrs, err := toAddresses(workers)
	if err != nil {
		return nil, apperr.Blockchain("ledger.assignWorkers", err)
	}
	return g.send(ctx, "assignWorkers", taskID, nil, []Status{StatusAssigned},
		TaskKey(taskID), addrs)
}

func (g *EthGateway) ReleaseBatchPayouts(ctx context.Context, taskID string, payouts []Payout) (*Receipt, error) {
	if len(payouts) == 0 {
		return nil, apperr.Blockchain("ledger.releaseBatchPayouts", errors.New("empty payout batch"))
	}
	workers := make([]string, len(payouts))
	amounts := make([]*big.Int, len(payouts))
	for i, p := range payouts {
		workers[i] = p.Address
		amounts[i] = p.Amount.Wei()
	}
	addrs, err := toAddresses(workers)
	if err != nil {
		return nil, apperr.Blockchain("ledger.releaseBatchPayouts", err)
	}
	// Payouts do not move the task; it must still be live afterwards.
	return g.send(ctx, "releaseBatchPayouts", taskID, nil, []Status{StatusAssigned, StatusFunded},
		TaskKey(taskID), addrs, amounts)
}

func (g *EthGateway) CompleteTask(ctx context.Context, taskID string) (*Receipt, error) {
	return g.send(ctx, "completeTask", taskID, nil, []Status{StatusCompleted}, TaskKey(taskID))
}

func (g *EthGateway) CancelAndRefund(ctx context.Context, taskID string) (*Receipt, error) {
	return g.send(ctx, "cancelAndRefund", taskID, nil, []Status{StatusCancelled}, TaskKey(taskID))
}

// GetTaskStatus reads the contract's status for a task.
func (g *EthGateway) GetTaskStatus(ctx context.Context, taskID string) (Status, error) {
	st, err := g.readStatus(ctx, taskID)
	if err != nil {
		return StatusNone, apperr.Blockchain("ledger.getTaskStatus", err)
	}
	return st, nil
}

// ─────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────

// send submits one transaction, waits for its receipt, and checks the
// resulting on-chain status against want.
func (g *EthGateway) send(ctx context.Context, method, taskID string, value *big.Int, want []Status, params ...any) (*Receipt, error) {
	op := "ledger." + method
	log := g.logger.With("method", method, "task_id", taskID)
	start := time.Now()

	tx, err := g.transact(ctx, method, value, params...)
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(method, "send_error").Inc()
		log.Error("send failed", "error", err)
		return nil, apperr.Blockchain(op, fmt.Errorf("send %s: %w", method, err))
	}
	log.Info("transaction sent", "tx_hash", tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()
	receipt, err := g.wait(waitCtx, tx)
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(method, "wait_error").Inc()
		log.Error("waiting for receipt failed", "tx_hash", tx.Hash().Hex(), "error", err)
		return nil, apperr.Blockchain(op, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err))
	}
	metrics.LedgerConfirmDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.LedgerGasUsed.WithLabelValues(method).Observe(float64(receipt.GasUsed))

	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.LedgerTransactionsTotal.WithLabelValues(method, "reverted").Inc()
		log.Error("transaction reverted", "tx_hash", tx.Hash().Hex(), "block", receipt.BlockNumber)
		return nil, apperr.Blockchain(op, fmt.Errorf("%w: %s", errReverted, tx.Hash().Hex()))
	}

	got, err := g.readStatus(ctx, taskID)
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(method, "status_error").Inc()
		return nil, apperr.Blockchain(op, fmt.Errorf("read status after %s: %w", method, err))
	}
	if !containsStatus(want, got) {
		metrics.LedgerTransactionsTotal.WithLabelValues(method, "status_mismatch").Inc()
		log.Error("unexpected status after confirmation", "tx_hash", tx.Hash().Hex(), "status", got.String())
		return nil, apperr.Blockchain(op, fmt.Errorf("%w: %s left task %s", errStatusMismatch, method, got))
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(method, "confirmed").Inc()
	log.Info("transaction confirmed", "tx_hash", tx.Hash().Hex(), "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)

	r := &Receipt{
		TxHash:  tx.Hash().Hex(),
		GasUsed: receipt.GasUsed,
		From:    g.signer.From.Hex(),
		To:      g.address.Hex(),
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r, nil
}

func (g *EthGateway) transact(ctx context.Context, method string, value *big.Int, params ...any) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	opts := *g.signer
	opts.Context = ctx
	opts.Value = value
	return g.contract.Transact(&opts, method, params...)
}

func (g *EthGateway) readStatus(ctx context.Context, taskID string) (Status, error) {
	key := TaskKey(taskID)
	input, err := g.abi.Pack("getTaskStatus", key)
	if err != nil {
		return StatusNone, fmt.Errorf("pack getTaskStatus: %w", err)
	}
	out, err := g.caller.CallContract(ctx, ethereum.CallMsg{To: &g.address, Data: input}, nil)
	if err != nil {
		return StatusNone, fmt.Errorf("call getTaskStatus: %w", err)
	}
	var raw uint8
	if err := g.abi.UnpackIntoInterface(&raw, "getTaskStatus", out); err != nil {
		return StatusNone, fmt.Errorf("unpack getTaskStatus: %w", err)
	}
	return Status(raw), nil
}

func toAddresses(hexes []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		if !common.IsHexAddress(h) {
			return nil, fmt.Errorf("invalid address %q", h)
		}
		out = append(out, common.HexToAddress(h))
	}
	return out, nil
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
