package model

import (
	"time"

	"github.com/lizcirble/shakabackend/internal/money"
	"gorm.io/datatypes"
)

// ─────────────────────────────────────────────
// Task State Machine
// ─────────────────────────────────────────────

type TaskStatus string

const (
	TaskStatusDraft         TaskStatus = "DRAFT"
	TaskStatusFunded        TaskStatus = "FUNDED"
	TaskStatusAssigned      TaskStatus = "ASSIGNED"
	TaskStatusWSAProcessing TaskStatus = "WSA_PROCESSING" // split job claimed by a processing node
	TaskStatusCompleted     TaskStatus = "COMPLETED"
	TaskStatusCancelled     TaskStatus = "CANCELLED"
)

// ActiveTaskStatuses are the states in which workers may hold or take slots.
var ActiveTaskStatuses = []TaskStatus{
	TaskStatusFunded,
	TaskStatusAssigned,
	TaskStatusWSAProcessing,
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

type Category string

const (
	CategoryImageLabeling      Category = "Image Labeling"
	CategoryAudioTranscription Category = "Audio Transcription"
	CategoryAIEvaluation       Category = "AI Evaluation"
	CategoryComputeShare       Category = "ComputeShare"
)

// Valid reports whether c is one of the fixed task categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryImageLabeling, CategoryAudioTranscription, CategoryAIEvaluation, CategoryComputeShare:
		return true
	}
	return false
}

// ProcessingStatus tracks the split-processing offload of large tasks.
type ProcessingStatus string

const (
	ProcessingNone       ProcessingStatus = ""
	ProcessingQueued     ProcessingStatus = "queued"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// ─────────────────────────────────────────────
// Submission State Machine
// ─────────────────────────────────────────────

type SubmissionStatus string

const (
	SubmissionPending          SubmissionStatus = "pending" // slot reservation, awaiting work
	SubmissionInProgress       SubmissionStatus = "in_progress"
	SubmissionSubmitted        SubmissionStatus = "submitted"
	SubmissionPendingApproval  SubmissionStatus = "pending_approval"
	SubmissionPendingConsensus SubmissionStatus = "pending_consensus"
	SubmissionApproved         SubmissionStatus = "approved"
	SubmissionRejected         SubmissionStatus = "rejected"
	SubmissionCompleted        SubmissionStatus = "completed" // auto-approved (ComputeShare)
	SubmissionExpired          SubmissionStatus = "expired"
)

// NonTerminalSubmissionStatuses hold a worker's slot on a task.
var NonTerminalSubmissionStatuses = []SubmissionStatus{
	SubmissionPending,
	SubmissionInProgress,
	SubmissionSubmitted,
	SubmissionPendingApproval,
	SubmissionPendingConsensus,
}

// IsTerminal reports whether the submission has been resolved or expired.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case SubmissionApproved, SubmissionRejected, SubmissionCompleted, SubmissionExpired:
		return true
	}
	return false
}

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// Task is a unit of paid work that one or more workers complete.
// Invariant: TotalCost == PayoutPerWorker*RequiredWorkers + PlatformFee.
type Task struct {
	ID              string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Title           string       `json:"title" gorm:"not null"`
	Description     string       `json:"description" gorm:"type:text"`
	Category        Category     `json:"category" gorm:"index"`
	CreatorID       *string      `json:"creator_id,omitempty" gorm:"index"` // nil for anonymous tasks
	PayoutPerWorker money.Amount `json:"payout_per_worker" gorm:"type:bigint"`
	RequiredWorkers int          `json:"required_workers"`
	PlatformFee     money.Amount `json:"platform_fee" gorm:"type:bigint"`
	TotalCost       money.Amount `json:"total_cost" gorm:"type:bigint"`
	Status          TaskStatus   `json:"status" gorm:"index;default:DRAFT"`

	// Slot bookkeeping, only ever changed by conditional updates.
	ReservedSlots int `json:"reserved_slots"`
	ResolvedCount int `json:"resolved_count"`
	ApprovedCount int `json:"approved_count"`

	ProcessingStatus ProcessingStatus `json:"processing_status,omitempty"`
	SplitJobID       string           `json:"split_job_id,omitempty" gorm:"index"`
	LedgerTaskID     string           `json:"ledger_task_id,omitempty"` // bytes32 hex on the escrow contract

	Deadline    *time.Time `json:"deadline,omitempty"`
	FundedAt    *time.Time `json:"funded_at,omitempty" gorm:"index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	AssignedWorkers []string `json:"assigned_workers" gorm:"-"`
}

// Subtotal is the worker payout share of TotalCost.
func (t *Task) Subtotal() money.Amount {
	return t.TotalCost - t.PlatformFee
}

// IsCreator reports whether userID created the task.
func (t *Task) IsCreator(userID string) bool {
	return t.CreatorID != nil && *t.CreatorID == userID
}

// TaskAssignment is one member of a task's assigned-worker set.
type TaskAssignment struct {
	TaskID    string    `json:"task_id" gorm:"primaryKey;type:varchar(36)"`
	WorkerID  string    `json:"worker_id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
}

// Submission is a worker's reservation of, and later work for, a task slot.
type Submission struct {
	ID           string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TaskID       string           `json:"task_id" gorm:"index;type:varchar(36)"`
	WorkerID     string           `json:"worker_id" gorm:"index;type:varchar(36)"`
	Status       SubmissionStatus `json:"status" gorm:"index"`
	Payload      datatypes.JSON   `json:"payload,omitempty"`
	PayoutTxHash string           `json:"payout_tx_hash,omitempty"`
	SubmittedAt  *time.Time       `json:"submitted_at,omitempty"`
	ApprovedAt   *time.Time       `json:"approved_at,omitempty"`
	RejectedAt   *time.Time       `json:"rejected_at,omitempty"`
	ExpiredAt    *time.Time       `json:"expired_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at" gorm:"index"` // reservation time, TTL base
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Evaluation is one peer's correctness vote on an AI Evaluation submission.
type Evaluation struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SubmissionID string    `json:"submission_id" gorm:"uniqueIndex:idx_eval_submission_evaluator;type:varchar(36)"`
	EvaluatorID  string    `json:"evaluator_id" gorm:"uniqueIndex:idx_eval_submission_evaluator;type:varchar(36)"`
	IsCorrect    bool      `json:"is_correct"`
	CreatedAt    time.Time `json:"created_at"`
}

// ─────────────────────────────────────────────
// Escrow mirror (append-only)
// ─────────────────────────────────────────────

type EscrowTxType string

const (
	EscrowTxCreate      EscrowTxType = "create"
	EscrowTxFund        EscrowTxType = "fund"
	EscrowTxAssign      EscrowTxType = "assign"
	EscrowTxPayout      EscrowTxType = "payout"
	EscrowTxPlatformFee EscrowTxType = "platform_fee"
	EscrowTxComplete    EscrowTxType = "complete"
	EscrowTxRefund      EscrowTxType = "refund"
)

type EscrowTxStatus string

const (
	EscrowTxConfirmed  EscrowTxStatus = "confirmed"
	EscrowTxReconciled EscrowTxStatus = "reconciled" // observed on-chain by the reconciler, no local receipt
)

// EscrowTransaction mirrors one confirmed ledger transaction.
type EscrowTransaction struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	TaskID       string         `json:"task_id" gorm:"index;type:varchar(36)"`
	SubmissionID *string        `json:"submission_id,omitempty"`
	TxHash       string         `json:"tx_hash" gorm:"index"`
	Type         EscrowTxType   `json:"type"`
	Status       EscrowTxStatus `json:"status"`
	Amount       money.Amount   `json:"amount" gorm:"type:bigint"`
	FromAddress  string         `json:"from_address,omitempty"`
	ToAddress    string         `json:"to_address,omitempty"`
	BlockNumber  uint64         `json:"block_number"`
	GasUsed      uint64         `json:"gas_used"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write / repair)
// ─────────────────────────────────────────────

// TaskEvent records one lifecycle event; written asynchronously.
type TaskEvent struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	TaskID       string    `json:"task_id" gorm:"index"`
	SubmissionID string    `json:"submission_id,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReconcileOp names the ledger operation whose local write is outstanding.
type ReconcileOp string

const (
	ReconcileFund     ReconcileOp = "fund"
	ReconcilePayout   ReconcileOp = "payout"
	ReconcileComplete ReconcileOp = "complete"
	ReconcileCancel   ReconcileOp = "cancel"
)

// Reconciliation is a pending repair for a ledger call that succeeded while
// the following local write did not.
type Reconciliation struct {
	ID           uint        `json:"id" gorm:"primaryKey"`
	TaskID       string      `json:"task_id" gorm:"index"`
	SubmissionID string      `json:"submission_id,omitempty"`
	Operation    ReconcileOp `json:"operation"`
	TargetStatus TaskStatus  `json:"target_status"`
	TxHash       string      `json:"tx_hash,omitempty"`
	Attempts     int         `json:"attempts"`
	LastError    string      `json:"last_error,omitempty"`
	Resolved     bool        `json:"resolved" gorm:"index"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// CreateTaskRequest is the inbound task creation payload.
// The creator is taken from the authenticated caller, if any.
type CreateTaskRequest struct {
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Category        Category     `json:"category"`
	PayoutPerWorker money.Amount `json:"payout_per_worker"`
	RequiredWorkers int          `json:"required_workers"`
	Deadline        *time.Time   `json:"deadline,omitempty"`
}

// AssignResponse carries the reserved task and its pending submission.
type AssignResponse struct {
	Task       *Task       `json:"task"`
	Submission *Submission `json:"submission"`
}

// SubmitWorkRequest wraps the opaque work payload.
type SubmitWorkRequest struct {
	Payload datatypes.JSON `json:"payload"`
}

// EvaluateRequest is a peer's vote.
type EvaluateRequest struct {
	IsCorrect *bool `json:"is_correct" binding:"required"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status    TaskStatus
	Category  Category
	CreatorID string
	Limit     int
	Offset    int
}
