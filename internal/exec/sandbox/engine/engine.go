// Package engine executes run specifications inside isolated sandboxes.
package engine

import (
	"context"

	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/sandbox/spec"
	appErr "runbox/pkg/errors"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	Close() error
}

// New creates the engine selected by cfg.Backend.
func New(cfg Config) (Engine, error) {
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	switch cfg.Backend {
	case "", BackendLinux:
		return newPlatformEngine(cfg)
	case BackendDocker:
		return newDockerEngine(cfg)
	default:
		return nil, appErr.Newf(appErr.EngineNotSupported, "unknown engine backend: %s", cfg.Backend)
	}
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	if runSpec.Phase == "" {
		return appErr.ValidationError("phase", "required")
	}
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	return nil
}
