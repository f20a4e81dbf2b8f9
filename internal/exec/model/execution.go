package model

// ExecutionState is the lifecycle state of an asynchronous execution.
type ExecutionState string

const (
	StatePending  ExecutionState = "Pending"
	StateRunning  ExecutionState = "Running"
	StateFinished ExecutionState = "Finished"
)

// SubmitCodeResponse acknowledges an accepted asynchronous execution.
type SubmitCodeResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionStatus is the stored and served state of one execution.
type ExecutionStatus struct {
	ExecutionID string           `json:"execution_id"`
	Status      ExecutionState   `json:"status"`
	SubmittedAt int64            `json:"submitted_at"`
	StartedAt   int64            `json:"started_at,omitempty"`
	FinishedAt  int64            `json:"finished_at,omitempty"`
	Result      *RunCodeResponse `json:"result,omitempty"`
}

// Terminal reports whether the execution reached its final state.
func (s ExecutionStatus) Terminal() bool {
	return s.Status == StateFinished
}

// ExecutionTask is the Kafka payload for queued executions.
type ExecutionTask struct {
	ExecutionID string         `json:"execution_id"`
	Request     RunCodeRequest `json:"request"`
	SubmittedAt int64          `json:"submitted_at"`
}

// ExecutionEvent is published when an execution reaches a terminal state.
type ExecutionEvent struct {
	ExecutionID string         `json:"execution_id"`
	Status      ExecutionState `json:"status"`
	RunStatus   string         `json:"run_status,omitempty"`
	TimedOut    bool           `json:"timed_out"`
	FinishedAt  int64          `json:"finished_at"`
}
