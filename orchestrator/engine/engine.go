// Package engine runs job steps in docker containers: one network and
// workspace volume per job, one container per step, optional sidecar
// service containers on the same network.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"

	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator/config"
	"treadle.sh/core/orchestrator/models"
	"treadle.sh/core/workflow"
)

const workspaceDir = "/treadle/workspace"

type cleanupFunc func(context.Context) error

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

var _ models.Engine = (*Engine)(nil)

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("component", "engine")

	return &Engine{
		docker:  dcli,
		l:       l,
		cfg:     cfg,
		cleanup: make(map[string][]cleanupFunc),
	}, nil
}

func (e *Engine) JobTimeout() time.Duration {
	timeout, err := time.ParseDuration(e.cfg.Pipelines.JobTimeout)
	if err != nil {
		e.l.Error("failed to parse job timeout", "error", err, "timeout", e.cfg.Pipelines.JobTimeout)
		timeout = 30 * time.Minute
	}

	return timeout
}

// SetupJob creates the job's network and workspace volume, pulls the
// executor image, and starts sidecar services. Everything registered
// here is torn down by DestroyJob.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *workflow.JobInstance) error {
	e.l.Info("setting up job", "job", jid)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(jid),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(jid), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(jid))
	})

	if err := e.pullImage(ctx, job.Executor.Image); err != nil {
		return err
	}

	// sidecars start in parallel; each must be up before steps run
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range job.Executor.Services {
		g.Go(func() error {
			return e.startService(gctx, jid, i, svc)
		})
	}
	return g.Wait()
}

func (e *Engine) startService(ctx context.Context, jid models.JobId, idx int, img string) error {
	if err := e.pullImage(ctx, img); err != nil {
		return err
	}

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:    img,
		Hostname: fmt.Sprintf("svc%d", idx),
	}, nil, nil, nil, serviceName(jid, idx))
	if err != nil {
		return fmt.Errorf("creating service container: %w", err)
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.removeContainer(ctx, resp.ID)
	})

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting service network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	e.l.Info("started service", "job", jid, "image", img)
	return nil
}

// RunStep executes one command group in a fresh container against the
// job's workspace. A non-zero exit comes back as *models.StepFailure.
func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job *workflow.JobInstance, idx int, extraEnv map[string]string, jl *models.JobLogger) error {
	step := job.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envs := ConstructEnvs(job.Environment)
	for _, kv := range ConstructEnvs(step.Environment) {
		envs = append(envs, kv)
	}
	for _, kv := range ConstructEnvs(extraEnv) {
		envs = append(envs, kv)
	}
	envs.AddEnv("HOME", workspaceDir)

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      job.Executor.Image,
		Cmd:        []string{"sh", "-ec", strings.Join(step.Commands, "\n")},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "treadle",
		Env:        envs.Slice(),
	}, hostConfig(jid), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.destroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, jl, resp.ID, idx)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.waitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", step.Name)
		if err := e.destroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		<-waitDone
		<-tailDone

		return ErrTimedOut
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 {
		e.l.Error("step failed", "job", jid, "step", step.Name, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return ErrOOMKilled
		}
		return &models.StepFailure{Step: step.Name, ExitCode: state.ExitCode}
	}

	return nil
}

func (e *Engine) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, jl *models.JobLogger, containerID string, stepIdx int) error {
	if jl == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		jl.DataWriter(stepIdx, "stdout"),
		jl.DataWriter(stepIdx, "stderr"),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

// Export tars a workspace path through a throwaway container that
// mounts the job's volume. The blob is opaque to callers.
func (e *Engine) Export(ctx context.Context, jid models.JobId, job *workflow.JobInstance, path string) (io.ReadCloser, error) {
	id, err := e.helperContainer(ctx, jid, job)
	if err != nil {
		return nil, err
	}

	rc, _, err := e.docker.CopyFromContainer(ctx, id, workspacePath(path))
	if err != nil {
		e.removeContainer(context.WithoutCancel(ctx), id)
		return nil, fmt.Errorf("exporting %q: %w", path, err)
	}

	return &helperReadCloser{
		ReadCloser: rc,
		done: func() {
			e.removeContainer(context.WithoutCancel(ctx), id)
		},
	}, nil
}

// Import untars a previously exported blob into the workspace root.
func (e *Engine) Import(ctx context.Context, jid models.JobId, job *workflow.JobInstance, r io.Reader) error {
	id, err := e.helperContainer(ctx, jid, job)
	if err != nil {
		return err
	}
	defer e.removeContainer(context.WithoutCancel(ctx), id)

	err = e.docker.CopyToContainer(ctx, id, workspaceDir, r, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("importing into workspace: %w", err)
	}
	return nil
}

// helperContainer is never started; docker allows copying in and out
// of a created container, which is all export/import need.
func (e *Engine) helperContainer(ctx context.Context, jid models.JobId, job *workflow.JobInstance) (string, error) {
	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      job.Executor.Image,
		Cmd:        []string{"true"},
		WorkingDir: workspaceDir,
	}, hostConfig(jid), nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating helper container: %w", err)
	}
	return resp.ID, nil
}

type helperReadCloser struct {
	io.ReadCloser
	done func()
}

func (h *helperReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done()
	return err
}

func (e *Engine) destroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return e.removeContainer(ctx, containerID)
}

func (e *Engine) removeContainer(ctx context.Context, containerID string) error {
	err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}
	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.cleanupMu.Lock()
	key := jid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	// cleanups run in reverse: containers off the network before the
	// network itself goes away
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", jid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func (e *Engine) pullImage(ctx context.Context, img string) error {
	reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", img, err)
	}
	defer reader.Close()
	io.Copy(os.Stdout, reader)
	return nil
}

func workspacePath(p string) string {
	return workspaceDir + "/" + strings.TrimPrefix(p, "/")
}

func workspaceVolume(jid models.JobId) string {
	return fmt.Sprintf("workspace-%s", jid)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("job-network-%s", jid)
}

func serviceName(jid models.JobId, idx int) string {
	return fmt.Sprintf("svc-%d-%s", idx, jid)
}

func hostConfig(jid models.JobId) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(jid),
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
				},
			},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
