// Package result defines sandbox execution results and outcome mapping.
package result

// RunStatus represents the overall outcome of one execution.
type RunStatus string

const (
	StatusSuccess      RunStatus = "Success"
	StatusFailed       RunStatus = "Failed"
	StatusSandboxError RunStatus = "SandboxError"
)

// PhaseStatus represents the outcome of a single compile or run phase.
type PhaseStatus string

const (
	PhaseFinished          PhaseStatus = "Finished"
	PhaseError             PhaseStatus = "Error"
	PhaseTimeLimitExceeded PhaseStatus = "TimeLimitExceeded"
)

// RunResult captures raw sandbox execution data for one phase.
type RunResult struct {
	ExitCode   int
	TimedOut   bool
	OomKilled  bool
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
}

// PhaseResult is the mapped result of one phase.
// ExitCode is meaningless when Status is TimeLimitExceeded.
type PhaseResult struct {
	Status     PhaseStatus
	WallTimeMs int64
	ExitCode   int
	Stdout     string
	Stderr     string
}

// Outcome is the unified result of one execution.
type Outcome struct {
	ExecutionID string
	Status      RunStatus
	Message     string
	Compile     *PhaseResult
	Run         *PhaseResult
	TimedOut    bool
	Files       map[string]string
}

// PhaseFromRun maps engine data onto a phase result.
// A timed out phase reports empty stdout and the literal "Timeout\n" on
// stderr regardless of what the process wrote before it was killed.
func PhaseFromRun(res RunResult) PhaseResult {
	if res.TimedOut {
		return PhaseResult{
			Status:     PhaseTimeLimitExceeded,
			WallTimeMs: res.WallTimeMs,
			Stdout:     "",
			Stderr:     "Timeout\n",
		}
	}
	status := PhaseFinished
	if res.ExitCode != 0 {
		status = PhaseError
	}
	return PhaseResult{
		Status:     status,
		WallTimeMs: res.WallTimeMs,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
}
