//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/sandbox/security"
	"runbox/internal/exec/sandbox/spec"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

type linuxEngine struct {
	cfg Config
}

// newPlatformEngine creates the namespace-based Linux engine.
func newPlatformEngine(cfg Config) (Engine, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	if e.cfg.SeccompDir != "" && runSpec.Isolation.SeccompProfile != "" && !filepath.IsAbs(runSpec.Isolation.SeccompProfile) {
		runSpec.Isolation.SeccompProfile = filepath.Join(e.cfg.SeccompDir, runSpec.Isolation.SeccompProfile)
	}

	if !e.cfg.EnableNamespaces {
		if runSpec.Isolation.RootFS != "" {
			return result.RunResult{}, fmt.Errorf("runtime bundles require namespaces")
		}
		runSpec = flattenForHost(runSpec)
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.ExecutionID, runSpec.Phase)
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create cgroup: %w", err)
		}
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			cgroupCleanup()
			return result.RunResult{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}
	defer cgroupCleanup()

	initReq := initRequest{
		RunSpec:       runSpec,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return result.RunResult{}, fmt.Errorf("encode init request: %w", err)
	}
	defer stdinPipe.Close()

	cmd := exec.CommandContext(ctx, e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(runSpec.Isolation, e.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.RunResult{}, fmt.Errorf("start helper: %w", err)
	}

	if e.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	var timedOut atomic.Bool
	killCtx, cancelKill := context.WithCancel(ctx)
	defer cancelKill()

	done := make(chan struct{})
	go func() {
		wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
		var wallTimer <-chan time.Time
		if wallLimit > 0 {
			wallTimer = time.After(wallLimit)
		}
		select {
		case <-killCtx.Done():
			e.killProcessGroup(cmd.Process.Pid)
			killCgroupIfEnabled(e.cfg.EnableCgroup, cgroupPath)
		case <-wallTimer:
			timedOut.Store(true)
			e.killProcessGroup(cmd.Process.Pid)
			killCgroupIfEnabled(e.cfg.EnableCgroup, cgroupPath)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if ctx.Err() != nil {
		return result.RunResult{}, ctx.Err()
	}

	if waitErr != nil && !timedOut.Load() && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper failed",
			zap.String("execution_id", runSpec.ExecutionID),
			zap.String("phase", runSpec.Phase),
			zap.String("stderr", helperStderr.String()))
	}

	stdoutPath := resolveHostPath(runSpec.StdoutPath, runSpec.BindMounts)
	stderrPath := resolveHostPath(runSpec.StderrPath, runSpec.BindMounts)
	runResult := result.RunResult{
		ExitCode:   exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut:   timedOut.Load(),
		OomKilled:  wasOomKilled(cgroupPath),
		TimeMs:     cpuTimeMs(cmd.ProcessState),
		WallTimeMs: time.Since(start).Milliseconds(),
		MemoryKB:   memoryPeakKB(cgroupPath, cmd.ProcessState),
		OutputKB:   fileSizeKB(stdoutPath),
		Stdout:     readLimitedFile(stdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(stderrPath, e.cfg.StdoutStderrMaxBytes),
	}
	return runResult, nil
}

func (e *linuxEngine) Close() error {
	return nil
}

func (e *linuxEngine) killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func killCgroupIfEnabled(enabled bool, cgroupPath string) {
	if !enabled || cgroupPath == "" {
		return
	}
	_ = killCgroup(cgroupPath)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}

// flattenForHost rewrites container paths to their host equivalents so the
// helper can run without namespaces in unprivileged setups.
func flattenForHost(runSpec spec.RunSpec) spec.RunSpec {
	mounts := runSpec.BindMounts
	runSpec.WorkDir = resolveHostPath(runSpec.WorkDir, mounts)
	runSpec.StdinPath = resolveHostPath(runSpec.StdinPath, mounts)
	runSpec.StdoutPath = resolveHostPath(runSpec.StdoutPath, mounts)
	runSpec.StderrPath = resolveHostPath(runSpec.StderrPath, mounts)
	cmd := make([]string, len(runSpec.Cmd))
	for i, arg := range runSpec.Cmd {
		cmd[i] = resolveHostPath(arg, mounts)
	}
	runSpec.Cmd = cmd
	runSpec.BindMounts = nil
	return runSpec
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
