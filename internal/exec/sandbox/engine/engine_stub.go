//go:build !linux

package engine

import (
	"context"

	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/sandbox/spec"
	appErr "runbox/pkg/errors"
)

type stubEngine struct{}

// newPlatformEngine returns a placeholder on non-Linux hosts. The docker
// backend remains available there.
func newPlatformEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, appErr.New(appErr.EngineNotSupported).WithMessage("namespace sandbox requires linux; configure the docker backend")
}

func (s *stubEngine) Close() error {
	return nil
}
