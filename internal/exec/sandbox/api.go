// Package sandbox executes untrusted code inside isolated workspaces.
package sandbox

import (
	"context"

	"runbox/internal/exec/sandbox/result"
)

// Service is the high-level execution entrypoint used by the service layer.
type Service interface {
	Execute(ctx context.Context, task Task) (result.Outcome, error)
}

// BundleResolver materializes a runtime bundle and returns its local rootfs
// directory. Implementations may download and cache bundles on demand.
type BundleResolver interface {
	Rootfs(ctx context.Context, ref string) (string, error)
}

// Task contains all data needed to execute one piece of submitted code.
type Task struct {
	ExecutionID string
	LanguageID  string
	Code        string
	Stdin       string

	// CompileTimeout and RunTimeout are wall clock budgets in seconds.
	CompileTimeout float64
	RunTimeout     float64

	// Files maps workspace-relative paths to base64 content written into the
	// workspace before the compile phase.
	Files map[string]string

	// FetchFiles lists workspace-relative paths collected after the run phase.
	// Missing files are omitted from the outcome.
	FetchFiles []string

	// ReceivedAt is the unix timestamp when the task was accepted.
	ReceivedAt int64
}
