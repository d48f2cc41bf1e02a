package model

import "encoding/json"

// ─────────────────────────────────────────────
// Split-processing job keys (Redis)
// ─────────────────────────────────────────────

// JobKey builds the job state key: "splitjob:{JobID}"
func JobKey(jobID string) string {
	return "splitjob:" + jobID
}

// CollapsingKey builds the per-task collapsing key: "inflight:{TaskID}"
func CollapsingKey(taskID string) string {
	return "inflight:" + taskID
}

// PendingQueueKey is the Redis list holding pending job IDs.
const PendingQueueKey = "splitjob:queue:pending"

// JobState is the lifecycle of a split job in Redis.
type JobState string

const (
	JobQueued     JobState = "QUEUED"
	JobProcessing JobState = "PROCESSING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
)

// Subtask describes the work handed to the split-processing network.
type Subtask struct {
	TaskID          string   `json:"task_id"`
	Category        Category `json:"category"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	RequiredWorkers int      `json:"required_workers"`
}

// JobStatus is the polled view of a split job.
type JobStatus struct {
	JobID   string          `json:"job_id"`
	TaskID  string          `json:"task_id"`
	State   JobState        `json:"state"`
	NodeID  string          `json:"node_id,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Server → Node
	MsgTypeJobAnnouncement MsgType = "JOB_ANNOUNCEMENT"

	// Node → Server
	MsgTypeFetchJob  MsgType = "FETCH_JOB"
	MsgTypeJobResult MsgType = "JOB_RESULT"

	// Server → Node (response to FETCH)
	MsgTypeJobAssigned MsgType = "JOB_ASSIGNED"
	MsgTypeJobGone     MsgType = "JOB_GONE" // already claimed by another node

	// Server → Node, when a frame from the node is rejected
	MsgTypeError MsgType = "ERROR"
)

// Codes carried by an ERROR frame.
const (
	ErrCodeBadFrame     = "bad_frame"
	ErrCodeBadPayload   = "bad_payload"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeMissingJobID = "missing_job_id"
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType `json:"type"`
	Payload any     `json:"payload"`
}

// JobAnnouncement is broadcast to all nodes when a new job is queued.
type JobAnnouncement struct {
	JobID    string   `json:"job_id"`
	Category Category `json:"category"`
	QueueLen int      `json:"queue_len"` // informational
}

// FetchJobRequest is sent by a node to claim a job.
type FetchJobRequest struct {
	JobID  string `json:"job_id"`
	NodeID string `json:"node_id"`
}

// JobAssignment is the response when a node successfully claims a job.
type JobAssignment struct {
	JobID   string  `json:"job_id"`
	Subtask Subtask `json:"subtask"`
}

// JobResult is reported by a node once it has processed a job.
type JobResult struct {
	JobID   string          `json:"job_id"`
	NodeID  string          `json:"node_id"`
	Success bool            `json:"success"`
	Results json.RawMessage `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ProtocolError tells a node why one of its frames was dropped.
type ProtocolError struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Type    MsgType `json:"type,omitempty"` // type of the rejected frame, when known
	JobID   string  `json:"job_id,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.JobID != "" {
		return e.Code + ": " + e.Message + " (job " + e.JobID + ")"
	}
	return e.Code + ": " + e.Message
}
