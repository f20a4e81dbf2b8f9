package sandbox

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"runbox/internal/exec/sandbox/engine"
	"runbox/internal/exec/sandbox/observer"
	"runbox/internal/exec/sandbox/profile"
	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/sandbox/runner"
	"runbox/internal/exec/sandbox/security"
	"runbox/internal/exec/sandbox/spec"
	"runbox/internal/exec/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

// DefaultEnvWhitelist lists the host environment variables forwarded into
// the sandbox. Everything else is stripped.
var DefaultEnvWhitelist = []string{"PATH", "LANG", "LC_ALL", "PYTHONIOENCODING", "TERM"}

// Worker is the sandbox scheduling unit.
// It executes compile/run workflows in a fresh workspace per task.
type Worker struct {
	engine       engine.Engine
	languages    *profile.Registry
	workspaces   *workspace.Manager
	bundles      BundleResolver
	metrics      observer.MetricsRecorder
	envWhitelist []string
}

// NewWorker creates a new worker with required dependencies.
func NewWorker(eng engine.Engine, languages *profile.Registry, workspaces *workspace.Manager) *Worker {
	return &Worker{
		engine:       eng,
		languages:    languages,
		workspaces:   workspaces,
		metrics:      observer.NoopMetricsRecorder{},
		envWhitelist: DefaultEnvWhitelist,
	}
}

// SetBundleResolver injects a resolver for language runtime bundles.
func (w *Worker) SetBundleResolver(resolver BundleResolver) {
	w.bundles = resolver
}

// SetMetricsRecorder injects a recorder for per-phase metrics.
func (w *Worker) SetMetricsRecorder(recorder observer.MetricsRecorder) {
	if recorder != nil {
		w.metrics = recorder
	}
}

// SetEnvWhitelist overrides the forwarded host environment variables.
func (w *Worker) SetEnvWhitelist(keys []string) {
	if len(keys) > 0 {
		w.envWhitelist = keys
	}
}

var _ Service = (*Worker)(nil)

// Execute runs a full compile/run workflow for one task.
// A non-nil error means the sandbox itself failed; results caused by the
// submitted code, including non-zero exits and timeouts, come back as a
// normal outcome with a nil error. A workspace that cannot be destroyed is
// treated as a sandbox failure so leaks never go unnoticed.
func (w *Worker) Execute(ctx context.Context, task Task) (outcome result.Outcome, retErr error) {
	if err := validateTask(task); err != nil {
		return result.Outcome{}, err
	}
	if w.engine == nil || w.languages == nil || w.workspaces == nil {
		return result.Outcome{}, appErr.New(appErr.SandboxFailure).WithMessage("worker dependencies are not initialized")
	}

	lang, err := w.languages.Get(task.LanguageID)
	if err != nil {
		return result.Outcome{}, err
	}
	if lang.CompileEnabled && task.CompileTimeout <= 0 {
		return result.Outcome{}, appErr.ValidationError("compile_timeout", "must be positive")
	}

	outcome = result.Outcome{
		ExecutionID: task.ExecutionID,
		Status:      result.StatusSandboxError,
	}

	ws, err := w.workspaces.Create(task.ExecutionID)
	if err != nil {
		return outcome, err
	}
	defer func() {
		if err := ws.Destroy(); err != nil {
			logger.Warn(ctx, "destroy workspace failed",
				zap.String("execution_id", task.ExecutionID), zap.Error(err))
			if retErr == nil {
				outcome.Status = result.StatusSandboxError
				retErr = err
			}
		}
	}()

	if err := ws.WriteSource(lang.SourceFile, task.Code); err != nil {
		return outcome, err
	}
	if err := ws.WriteStdin(task.Stdin); err != nil {
		return outcome, err
	}
	if err := ws.WriteFiles(task.Files); err != nil {
		return outcome, err
	}

	isolation, err := w.resolveIsolation(ctx, lang)
	if err != nil {
		return outcome, err
	}
	env := buildEnv(w.envWhitelist, lang.Env)

	if lang.CompileEnabled {
		compileRes, err := w.runPhase(ctx, runner.PhaseCompile, runner.PhaseRequest{
			ExecutionID: task.ExecutionID,
			Language:    lang,
			Workspace:   ws,
			Isolation:   isolation,
			Env:         env,
			Budget:      budgetDuration(task.CompileTimeout),
		})
		if err != nil {
			return outcome, err
		}
		phase := result.PhaseFromRun(compileRes)
		outcome.Compile = &phase
		w.metrics.ObserveCompile(ctx, lang.ID, phase.Status == result.PhaseFinished, compileRes.WallTimeMs)
		if phase.Status != result.PhaseFinished {
			outcome.Status = result.StatusFailed
			outcome.TimedOut = phase.Status == result.PhaseTimeLimitExceeded
			return outcome, nil
		}
	}

	runRes, err := w.runPhase(ctx, runner.PhaseRun, runner.PhaseRequest{
		ExecutionID: task.ExecutionID,
		Language:    lang,
		Workspace:   ws,
		Isolation:   isolation,
		Env:         env,
		Budget:      budgetDuration(task.RunTimeout),
	})
	if err != nil {
		return outcome, err
	}
	phase := result.PhaseFromRun(runRes)
	outcome.Run = &phase
	outcome.TimedOut = phase.Status == result.PhaseTimeLimitExceeded
	w.metrics.ObserveRun(ctx, lang.ID, string(phase.Status), runRes.WallTimeMs, runRes.MemoryKB, runRes.OutputKB)

	if phase.Status == result.PhaseFinished {
		outcome.Status = result.StatusSuccess
	} else {
		outcome.Status = result.StatusFailed
	}

	if len(task.FetchFiles) > 0 {
		files, err := ws.CollectFiles(task.FetchFiles)
		if err != nil {
			return outcome, err
		}
		outcome.Files = files
	}

	return outcome, nil
}

func (w *Worker) runPhase(ctx context.Context, phase string, req runner.PhaseRequest) (result.RunResult, error) {
	var (
		runSpec spec.RunSpec
		err     error
	)
	if phase == runner.PhaseCompile {
		runSpec, err = runner.CompilePlan(req)
	} else {
		runSpec, err = runner.RunPlan(req)
	}
	if err != nil {
		return result.RunResult{}, err
	}
	res, err := w.engine.Run(ctx, runSpec)
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "%s phase failed", phase)
	}
	return res, nil
}

func (w *Worker) resolveIsolation(ctx context.Context, lang profile.LanguageSpec) (security.IsolationProfile, error) {
	isolation := security.IsolationProfile{
		Image:          lang.Image,
		SeccompProfile: lang.SeccompProfile,
		DisableNetwork: !lang.AllowNetwork,
	}
	if lang.Bundle == "" {
		return isolation, nil
	}
	if w.bundles == nil {
		return security.IsolationProfile{}, appErr.New(appErr.BundleUnavailable).WithMessage("no bundle resolver configured")
	}
	rootfs, err := w.bundles.Rootfs(ctx, lang.Bundle)
	if err != nil {
		return security.IsolationProfile{}, appErr.Wrapf(err, appErr.BundleUnavailable, "resolve bundle %s failed", lang.Bundle)
	}
	isolation.RootFS = rootfs
	return isolation, nil
}

func validateTask(task Task) error {
	if task.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	if task.LanguageID == "" {
		return appErr.ValidationError("language", "required")
	}
	if task.Code == "" {
		return appErr.ValidationError("code", "required")
	}
	if task.RunTimeout <= 0 {
		return appErr.ValidationError("run_timeout", "must be positive")
	}
	return nil
}

// buildEnv assembles the sandbox environment from the whitelisted host
// variables plus the language profile additions. HOME points at the work
// directory so interpreters have a writable dot-file location.
func buildEnv(whitelist []string, extra []string) []string {
	env := make([]string, 0, len(whitelist)+len(extra)+1)
	for _, key := range whitelist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	env = append(env, "HOME="+runner.ContainerWorkDir)
	env = append(env, extra...)
	return env
}

func budgetDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
