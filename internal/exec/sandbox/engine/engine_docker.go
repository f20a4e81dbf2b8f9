package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/sandbox/spec"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultDockerImage = "python:3.11-slim"

// dockerEngine runs every phase in a throwaway container. It exists for
// hosts that cannot grant the namespace privileges the linux backend needs.
type dockerEngine struct {
	cfg Config
	cli *client.Client
}

func newDockerEngine(cfg Config) (Engine, error) {
	if cfg.DockerImage == "" {
		cfg.DockerImage = defaultDockerImage
	}
	if cfg.DockerNanoCPUs <= 0 {
		cfg.DockerNanoCPUs = 1e9
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{cfg: cfg, cli: cli}, nil
}

func (e *dockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	imageName := runSpec.Isolation.Image
	if imageName == "" {
		imageName = e.cfg.DockerImage
	}

	binds := make([]string, 0, len(runSpec.BindMounts))
	for _, m := range runSpec.BindMounts {
		if m.Source == "" || m.Target == "" {
			continue
		}
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	hasStdin := runSpec.StdinPath != ""
	containerCfg := &container.Config{
		Image:           imageName,
		Cmd:             runSpec.Cmd,
		Env:             runSpec.Env,
		WorkingDir:      runSpec.WorkDir,
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     hasStdin,
		OpenStdin:       hasStdin,
		StdinOnce:       hasStdin,
		NetworkDisabled: runSpec.Isolation.DisableNetwork,
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: e.cfg.DockerNanoCPUs,
		},
	}
	if runSpec.Limits.MemoryMB > 0 {
		hostCfg.Resources.Memory = runSpec.Limits.MemoryMB << 20
	}
	if runSpec.Limits.PIDs > 0 {
		pids := runSpec.Limits.PIDs
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		pull, pullErr := e.cli.ImagePull(ctx, imageName, image.PullOptions{})
		if pullErr != nil {
			return result.RunResult{}, fmt.Errorf("create container: %w", err)
		}
		_, _ = io.Copy(io.Discard, pull)
		_ = pull.Close()
		created, err = e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create container: %w", err)
		}
	}
	containerID := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove container failed", zap.String("container", containerID), zap.Error(err))
		}
	}()

	attach, err := e.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Stdin:  hasStdin,
	})
	if err != nil {
		return result.RunResult{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	stdoutPath := resolveHostPath(runSpec.StdoutPath, runSpec.BindMounts)
	stderrPath := resolveHostPath(runSpec.StderrPath, runSpec.BindMounts)
	outputCap := runSpec.Limits.OutputMB << 20
	stdoutSink, err := openCapture(stdoutPath, outputCap)
	if err != nil {
		return result.RunResult{}, err
	}
	defer stdoutSink.Close()
	stderrSink, err := openCapture(stderrPath, outputCap)
	if err != nil {
		return result.RunResult{}, err
	}
	defer stderrSink.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutSink, stderrSink, attach.Reader)
		copyDone <- copyErr
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result.RunResult{}, fmt.Errorf("start container: %w", err)
	}

	if hasStdin {
		go func() {
			stdinHost := resolveHostPath(runSpec.StdinPath, runSpec.BindMounts)
			if f, err := os.Open(stdinHost); err == nil {
				_, _ = io.Copy(attach.Conn, f)
				_ = f.Close()
			}
			_ = attach.CloseWrite()
		}()
	}

	statusCh, errCh := e.cli.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)

	timedOut := false
	var exitCode int64
	wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
	var wallTimer <-chan time.Time
	if wallLimit > 0 {
		wallTimer = time.After(wallLimit)
	}
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		return result.RunResult{}, fmt.Errorf("wait container: %w", err)
	case <-wallTimer:
		timedOut = true
		e.killContainer(containerID)
		exitCode = drainWait(statusCh)
	case <-ctx.Done():
		e.killContainer(containerID)
		drainWait(statusCh)
		return result.RunResult{}, ctx.Err()
	}

	select {
	case <-copyDone:
	case <-time.After(2 * time.Second):
	}

	oomKilled := false
	if inspect, err := e.cli.ContainerInspect(ctx, containerID); err == nil && inspect.State != nil {
		oomKilled = inspect.State.OOMKilled
		if !timedOut {
			exitCode = int64(inspect.State.ExitCode)
		}
	}

	runResult := result.RunResult{
		ExitCode:   int(exitCode),
		TimedOut:   timedOut,
		OomKilled:  oomKilled,
		WallTimeMs: time.Since(start).Milliseconds(),
		OutputKB:   fileSizeKB(stdoutPath),
		Stdout:     readLimitedFile(stdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(stderrPath, e.cfg.StdoutStderrMaxBytes),
	}
	if timedOut {
		runResult.ExitCode = -1
	}
	return runResult, nil
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}

func (e *dockerEngine) killContainer(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.cli.ContainerKill(killCtx, containerID, "SIGKILL")
}

func drainWait(statusCh <-chan container.WaitResponse) int64 {
	select {
	case status := <-statusCh:
		return status.StatusCode
	case <-time.After(5 * time.Second):
		return -1
	}
}

// capture writes stream data to a file up to a byte cap, then keeps
// draining so the copy loop never blocks the container.
type capture struct {
	file *os.File
	max  int64
	n    int64
}

func openCapture(path string, maxBytes int64) (*capture, error) {
	if path == "" {
		return &capture{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &capture{file: f, max: maxBytes}, nil
}

func (c *capture) Write(p []byte) (int, error) {
	if c.file == nil {
		return len(p), nil
	}
	if c.max > 0 {
		remain := c.max - c.n
		if remain <= 0 {
			return len(p), nil
		}
		if int64(len(p)) > remain {
			if _, err := c.file.Write(p[:remain]); err != nil {
				return 0, err
			}
			c.n = c.max
			return len(p), nil
		}
	}
	n, err := c.file.Write(p)
	c.n += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (c *capture) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}
