package model

import (
	"runbox/internal/exec/sandbox/result"
)

// CommandRunResult reports one compile or run phase.
// ReturnCode is null when the phase was killed by its time budget.
type CommandRunResult struct {
	Status        string  `json:"status"`
	ExecutionTime float64 `json:"execution_time"`
	ReturnCode    *int    `json:"return_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
}

// RunCodeResponse is the response body of a finished execution.
// Files is always present, empty when nothing was fetched.
type RunCodeResponse struct {
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	CompileResult   *CommandRunResult `json:"compile_result"`
	RunResult       *CommandRunResult `json:"run_result"`
	ExecutorPodName string            `json:"executor_pod_name"`
	Files           map[string]string `json:"files"`
	TimedOut        bool              `json:"timed_out"`
}

// NewRunCodeResponse projects a sandbox outcome onto the wire contract.
func NewRunCodeResponse(outcome result.Outcome, podName string) RunCodeResponse {
	resp := RunCodeResponse{
		Status:          string(outcome.Status),
		Message:         outcome.Message,
		CompileResult:   commandResult(outcome.Compile),
		RunResult:       commandResult(outcome.Run),
		ExecutorPodName: podName,
		Files:           outcome.Files,
		TimedOut:        outcome.TimedOut,
	}
	if resp.Files == nil {
		resp.Files = map[string]string{}
	}
	return resp
}

// SandboxErrorResponse is the body of an infrastructure failure.
func SandboxErrorResponse(message, podName string) RunCodeResponse {
	return RunCodeResponse{
		Status:          string(result.StatusSandboxError),
		Message:         message,
		ExecutorPodName: podName,
		Files:           map[string]string{},
	}
}

func commandResult(phase *result.PhaseResult) *CommandRunResult {
	if phase == nil {
		return nil
	}
	res := &CommandRunResult{
		Status:        string(phase.Status),
		ExecutionTime: float64(phase.WallTimeMs) / 1000.0,
		Stdout:        phase.Stdout,
		Stderr:        phase.Stderr,
	}
	if phase.Status != result.PhaseTimeLimitExceeded {
		code := phase.ExitCode
		res.ReturnCode = &code
	}
	return res
}

// LanguageInfo describes one configured language profile.
type LanguageInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	CompileEnabled bool   `json:"compile_enabled"`
	SourceFile     string `json:"source_file"`
	MemoryMB       int64  `json:"memory_mb"`
	PIDLimit       int64  `json:"pid_limit"`
	AllowNetwork   bool   `json:"allow_network"`
}
