// Package runner builds engine run specifications for compile and run phases.
package runner

import (
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"runbox/internal/exec/sandbox/profile"
	"runbox/internal/exec/sandbox/security"
	"runbox/internal/exec/sandbox/spec"
	"runbox/internal/exec/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

const (
	// ContainerWorkDir is where the workspace box is mounted inside the sandbox.
	ContainerWorkDir = "/work"

	PhaseCompile = "compile"
	PhaseRun     = "run"
)

// PhaseRequest carries everything needed to plan one engine invocation.
type PhaseRequest struct {
	ExecutionID string
	Language    profile.LanguageSpec
	Workspace   *workspace.Workspace
	Isolation   security.IsolationProfile
	Env         []string
	Budget      time.Duration
}

// CompilePlan builds the RunSpec for the compile phase.
func CompilePlan(req PhaseRequest) (spec.RunSpec, error) {
	cmd, err := buildCommand(req.Language.CompileCmdTpl, req.Language)
	if err != nil {
		return spec.RunSpec{}, err
	}
	runSpec := baseSpec(req, PhaseCompile, cmd)
	runSpec.StdinPath = ""
	runSpec.StdoutPath = filepath.Join(ContainerWorkDir, workspace.CompileOutFileName)
	runSpec.StderrPath = filepath.Join(ContainerWorkDir, workspace.CompileErrFileName)
	return runSpec, nil
}

// RunPlan builds the RunSpec for the run phase.
func RunPlan(req PhaseRequest) (spec.RunSpec, error) {
	cmd, err := buildCommand(req.Language.RunCmdTpl, req.Language)
	if err != nil {
		return spec.RunSpec{}, err
	}
	runSpec := baseSpec(req, PhaseRun, cmd)
	if req.Workspace.HasStdin() {
		runSpec.StdinPath = filepath.Join(ContainerWorkDir, workspace.StdinFileName)
	}
	runSpec.StdoutPath = filepath.Join(ContainerWorkDir, workspace.StdoutFileName)
	runSpec.StderrPath = filepath.Join(ContainerWorkDir, workspace.StderrFileName)
	return runSpec, nil
}

func baseSpec(req PhaseRequest, phase string, cmd []string) spec.RunSpec {
	return spec.RunSpec{
		ExecutionID: req.ExecutionID,
		Phase:       phase,
		WorkDir:     ContainerWorkDir,
		Cmd:         cmd,
		Env:         req.Env,
		Isolation:   req.Isolation,
		Limits:      phaseLimits(req.Budget, req.Language),
		BindMounts: []spec.MountSpec{{
			Source:   req.Workspace.BoxDir(),
			Target:   ContainerWorkDir,
			ReadOnly: false,
		}},
	}
}

func buildCommand(tpl string, lang profile.LanguageSpec) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(ContainerWorkDir, lang.SourceFile))
	expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(ContainerWorkDir, lang.BinaryFile))
	expanded = strings.ReplaceAll(expanded, "{workdir}", ContainerWorkDir)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

// phaseLimits derives hard limits from the request budget and the profile
// defaults. The wall clock is the requested budget exactly; the CPU limit is
// the budget scaled by the language multiplier so interpreter startup cost
// does not trip the CPU rlimit before the wall watchdog fires.
func phaseLimits(budget time.Duration, lang profile.LanguageSpec) spec.ResourceLimit {
	limits := lang.Limits
	limits.WallTimeMs = budget.Milliseconds()
	limits.CPUTimeMs = scaleLimit(limits.WallTimeMs, lang.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, lang.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
