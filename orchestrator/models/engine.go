package models

import (
	"context"
	"io"
	"time"

	"treadle.sh/core/workflow"
)

// Engine executes a job's steps in its declared execution environment.
// The core treats command execution as an external collaborator: an
// engine never interprets command semantics, it only reports outcomes.
type Engine interface {
	// SetupJob prepares the job's environment: network, workspace
	// volume, sidecar services, image pull.
	SetupJob(ctx context.Context, jid JobId, job *workflow.JobInstance) error

	// RunStep executes one command group to completion. A non-zero
	// exit is returned as *StepFailure; anything else is an engine
	// error. extraEnv is merged over the executor's environment.
	RunStep(ctx context.Context, jid JobId, job *workflow.JobInstance, idx int, extraEnv map[string]string, jl *JobLogger) error

	// Export streams a path out of the job's workspace as an opaque
	// blob, for artifact persist and cache save.
	Export(ctx context.Context, jid JobId, job *workflow.JobInstance, path string) (io.ReadCloser, error)

	// Import lands a previously exported blob back into the job's
	// workspace, for artifact attach and cache restore.
	Import(ctx context.Context, jid JobId, job *workflow.JobInstance, r io.Reader) error

	// DestroyJob tears down everything SetupJob created.
	DestroyJob(ctx context.Context, jid JobId) error

	JobTimeout() time.Duration
}
