// Package orchestrator schedules a compiled workflow plan: jobs run
// when their `requires` predecessors succeed, independent subgraphs
// run concurrently on a bounded worker pool, and every outcome lands
// in the run store.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"treadle.sh/core/cache"
	"treadle.sh/core/deploy"
	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator/config"
	"treadle.sh/core/orchestrator/db"
	"treadle.sh/core/orchestrator/models"
	"treadle.sh/core/orchestrator/queue"
	"treadle.sh/core/orchestrator/secrets"
	"treadle.sh/core/workflow"
	"treadle.sh/core/workspace"
)

type Orchestrator struct {
	cfg     *config.Config
	db      *db.DB
	eng     models.Engine
	cache   *cache.Store
	ws      *workspace.Store
	secrets secrets.Manager
	jq      *queue.Queue
	l       *slog.Logger
	release *regexp.Regexp
}

// New wires an orchestrator and starts its worker pool. The secret
// manager may be nil; jobs then run without injected secrets.
func New(ctx context.Context, cfg *config.Config, d *db.DB, eng models.Engine, cs *cache.Store, ws *workspace.Store, sm secrets.Manager) (*Orchestrator, error) {
	release, err := regexp.Compile(cfg.Registry.ReleaseTagPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid release tag pattern: %w", err)
	}

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers)
	jq.Start()

	return &Orchestrator{
		cfg:     cfg,
		db:      d,
		eng:     eng,
		cache:   cs,
		ws:      ws,
		secrets: sm,
		jq:      jq,
		l:       log.FromContext(ctx).With("component", "orchestrator"),
		release: release,
	}, nil
}

func (o *Orchestrator) Stop() {
	o.jq.Stop()
	if s, ok := o.secrets.(secrets.Stopper); ok {
		s.Stop()
	}
}

type RunResult struct {
	Run    models.RunId
	Status models.Status
	Jobs   map[string]models.Status
}

type jobResult struct {
	name   string
	status models.Status
}

// NewRunId mints the identifier for one end-to-end run.
func NewRunId() models.RunId {
	return models.RunId(uuid.New().String())
}

// Execute runs one compiled plan to completion and returns the
// terminal status of every job plus the aggregate run status. The
// aggregate is succeeded only if every non-skipped, non-cancelled job
// succeeded; an unresolved blocked job fails the run.
func (o *Orchestrator) Execute(ctx context.Context, run models.RunId, plan *workflow.Plan) (*RunResult, error) {
	l := o.l.With("run", run, "workflow", plan.Workflow)

	if err := o.db.CreateRun(run, plan.Workflow, plan.Trigger); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	status := make(map[string]models.Status, len(plan.Order))
	for _, name := range plan.Order {
		jid := models.JobId{Run: run, Name: name}
		if plan.Instances[name].Skipped {
			status[name] = models.StatusSkipped
			if err := o.db.CreateJob(jid, models.StatusSkipped); err != nil {
				return nil, err
			}
			continue
		}
		status[name] = models.StatusPending
		if err := o.db.CreateJob(jid, models.StatusPending); err != nil {
			return nil, err
		}
	}

	l.Info("run started", "ref", plan.Trigger.Ref, "kind", plan.Trigger.Kind, "jobs", len(plan.Order))

	results := make(chan jobResult)
	inflight := 0
	cancelled := false

	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			for _, name := range plan.Order {
				if status[name] == models.StatusPending {
					status[name] = models.StatusCancelled
					o.markJob(run, name, models.StatusCancelled)
				}
			}
			l.Warn("run cancelled; waiting for in-flight jobs", "inflight", inflight)
		}

		o.settle(run, plan, status, l)

		// dispatch every job whose predecessors all succeeded
		pending := 0
		for _, name := range plan.Order {
			if status[name] != models.StatusPending {
				continue
			}
			pending++
			if !o.ready(plan, status, name) {
				continue
			}

			// a full queue means the pool is saturated; the job
			// stays pending and is offered again after the next
			// completion
			if o.jq.Enqueue(o.queueJob(ctx, run, plan, plan.Instances[name], results)) {
				status[name] = models.StatusRunning
				inflight++
				pending--
			}
		}

		if inflight == 0 {
			if pending == 0 {
				break
			}

			// concurrent runs share the pool, so saturation can
			// leave this run with pending jobs and nothing in
			// flight. settle guarantees a pending job is ready
			// here; block until a slot frees rather than ending
			// the run with jobs that never ran.
			name := o.nextReady(plan, status)
			if name == "" {
				break
			}
			if err := o.jq.EnqueueWait(ctx, o.queueJob(ctx, run, plan, plan.Instances[name], results)); err != nil {
				// cancelled while waiting; the next pass settles
				// the remaining pending jobs
				continue
			}
			status[name] = models.StatusRunning
			inflight++
		}

		if !cancelled {
			select {
			case res := <-results:
				inflight--
				status[res.name] = res.status
			case <-ctx.Done():
			}
		} else {
			res := <-results
			inflight--
			status[res.name] = res.status
		}
	}

	result := &RunResult{
		Run:    run,
		Status: aggregate(status),
		Jobs:   status,
	}

	if err := o.db.FinishRun(run, result.Status); err != nil {
		l.Error("failed to record run status", "error", err)
	}

	l.Info("run finished", "status", result.Status)
	return result, nil
}

// settle propagates terminal predecessor states onto pending jobs
// until nothing changes: failed/blocked predecessors block their
// dependents, cancelled ones cancel them, skipped ones (a runtime
// deploy-gate skip) skip them.
func (o *Orchestrator) settle(run models.RunId, plan *workflow.Plan, status map[string]models.Status, l *slog.Logger) {
	for changed := true; changed; {
		changed = false
		for _, name := range plan.Order {
			if status[name] != models.StatusPending {
				continue
			}

			for _, req := range plan.Instances[name].Requires {
				switch status[req] {
				case models.StatusFailed, models.StatusBlocked:
					status[name] = models.StatusBlocked
					jid := models.JobId{Run: run, Name: name}
					if err := o.db.MarkJobBlocked(jid, req); err != nil {
						l.Error("failed to record blocked job", "job", name, "error", err)
					}
				case models.StatusCancelled:
					status[name] = models.StatusCancelled
					o.markJob(run, name, models.StatusCancelled)
				case models.StatusSkipped:
					status[name] = models.StatusSkipped
					o.markJob(run, name, models.StatusSkipped)
				}
				if status[name] != models.StatusPending {
					changed = true
					break
				}
			}
		}
	}
}

func (o *Orchestrator) ready(plan *workflow.Plan, status map[string]models.Status, name string) bool {
	for _, req := range plan.Instances[name].Requires {
		if status[req] != models.StatusSucceeded {
			return false
		}
	}
	return true
}

func (o *Orchestrator) queueJob(ctx context.Context, run models.RunId, plan *workflow.Plan, ji *workflow.JobInstance, results chan<- jobResult) queue.Job {
	return queue.Job{
		Run: func() error {
			results <- jobResult{ji.Name, o.runJob(ctx, run, plan, ji)}
			return nil
		},
		OnFail: func(jobError error) {
			o.l.Error("job runner failed", "job", ji.Name, "error", jobError)
		},
	}
}

// nextReady returns the first pending job whose predecessors all
// succeeded, in plan order.
func (o *Orchestrator) nextReady(plan *workflow.Plan, status map[string]models.Status) string {
	for _, name := range plan.Order {
		if status[name] == models.StatusPending && o.ready(plan, status, name) {
			return name
		}
	}
	return ""
}

func aggregate(status map[string]models.Status) models.Status {
	agg := models.StatusSucceeded
	for _, st := range status {
		switch st {
		case models.StatusFailed, models.StatusBlocked:
			return models.StatusFailed
		case models.StatusCancelled:
			agg = models.StatusCancelled
		case models.StatusSucceeded, models.StatusSkipped:
		default:
			// a job left pending or running is a scheduler fault,
			// never a success
			return models.StatusFailed
		}
	}
	return agg
}

// runJob executes one job end to end: setup, attach, cache restore,
// steps, persist, cache save, teardown. It returns the job's terminal
// status; all bookkeeping happens here.
func (o *Orchestrator) runJob(ctx context.Context, run models.RunId, plan *workflow.Plan, ji *workflow.JobInstance) models.Status {
	jid := models.JobId{Run: run, Name: ji.Name}
	l := o.l.With("run", run, "job", ji.Name)

	if err := o.db.MarkJob(jid, models.StatusRunning); err != nil {
		l.Error("failed to record job start", "error", err)
	}

	extraEnv := map[string]string{
		"TREADLE_RUN":      string(run),
		"TREADLE_WORKFLOW": plan.Workflow,
		"TREADLE_REF":      plan.Trigger.Ref,
		"TREADLE_REF_KIND": string(plan.Trigger.Kind),
	}

	if o.secrets != nil {
		env, err := o.secrets.Env(ctx, plan.Workflow)
		if err != nil {
			l.Error("failed to load secrets", "error", err)
			o.db.MarkJobFailed(jid, -1, fmt.Sprintf("loading secrets: %s", err))
			return models.StatusFailed
		}
		for k, v := range env {
			extraEnv[k] = v
		}
	}

	// the deploy gate runs strictly after upstream success (the
	// scheduler only dispatched us because every predecessor
	// succeeded) and before any step
	if ji.Kind == workflow.JobKindDeploy {
		decision := deploy.Gate(plan.Trigger, o.release)
		if !decision.Run {
			l.Info("deploy gate: ref does not qualify, skipping", "ref", plan.Trigger.Ref)
			o.markJob(run, ji.Name, models.StatusSkipped)
			return models.StatusSkipped
		}
		extraEnv["DEPLOY_TAG"] = decision.Tag

		creds := deploy.Credentials{
			URL:      o.cfg.Registry.URL,
			Username: o.cfg.Registry.Username,
			Password: o.cfg.Registry.Password,
			Require:  o.cfg.Registry.RequireCredentials,
		}
		cenv, err := creds.Env()
		if err != nil {
			o.db.MarkJobFailed(jid, -1, err.Error())
			return models.StatusFailed
		}
		if !creds.Present() {
			l.Warn("registry credentials missing; continuing without login")
		}
		for k, v := range cenv {
			extraEnv[k] = v
		}
	}

	jl, err := models.NewJobLogger(o.cfg.Pipelines.LogDir, jid)
	if err != nil {
		l.Error("failed to open job log", "error", err)
		jl = nil
	} else {
		defer jl.Close()
	}

	jctx, cancel := context.WithTimeout(ctx, o.eng.JobTimeout())
	defer cancel()

	if err := o.eng.SetupJob(jctx, jid, ji); err != nil {
		l.Error("job setup failed", "error", err)
		o.db.MarkJobFailed(jid, -1, err.Error())
		return models.StatusFailed
	}
	defer o.eng.DestroyJob(context.WithoutCancel(ctx), jid)

	// artifact attach fails the job before any step runs if a
	// producer never persisted
	if err := o.attachArtifacts(jctx, jid, run, ji, l); err != nil {
		o.db.MarkJobFailed(jid, -1, err.Error())
		return models.StatusFailed
	}

	keys := o.restoreCaches(jctx, jid, plan, ji, l)

	for idx, step := range ji.Steps {
		o.control(jl, idx, step.Name, "started")

		if err := o.eng.RunStep(jctx, jid, ji, idx, extraEnv, jl); err != nil {
			o.control(jl, idx, step.Name, "failed")

			var sf *models.StepFailure
			if errors.As(err, &sf) {
				l.Error("step failed", "step", step.Name, "exit_code", sf.ExitCode)
				o.db.MarkJobFailed(jid, sf.ExitCode, sf.Error())
			} else {
				l.Error("step errored", "step", step.Name, "error", err)
				o.db.MarkJobFailed(jid, -1, err.Error())
			}
			return models.StatusFailed
		}

		o.control(jl, idx, step.Name, "succeeded")
	}

	if err := o.persistArtifacts(jctx, jid, run, plan, ji, l); err != nil {
		o.db.MarkJobFailed(jid, -1, err.Error())
		return models.StatusFailed
	}

	o.saveCaches(jctx, jid, ji, keys, l)

	if err := o.db.MarkJob(jid, models.StatusSucceeded); err != nil {
		l.Error("failed to record job success", "error", err)
	}
	return models.StatusSucceeded
}

func (o *Orchestrator) attachArtifacts(ctx context.Context, jid models.JobId, run models.RunId, ji *workflow.JobInstance, l *slog.Logger) error {
	if len(ji.Attaches) == 0 {
		return nil
	}

	artifacts, err := o.ws.Attach(run, ji.Attaches, ji.TransitiveRequires)
	if err != nil {
		l.Error("artifact attach failed", "error", err)
		return err
	}

	for _, a := range artifacts {
		rc, err := a.Open()
		if err != nil {
			return fmt.Errorf("opening artifact %q: %w", a.Name, err)
		}
		err = o.eng.Import(ctx, jid, ji, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("importing artifact %q: %w", a.Name, err)
		}
		l.Info("artifact attached", "producer", a.Producer, "name", a.Name)
	}
	return nil
}

// restoreCaches computes each entry's fingerprint and lands any hit
// in the workspace. Misses and restore errors only log; the job
// proceeds with a cold build.
func (o *Orchestrator) restoreCaches(ctx context.Context, jid models.JobId, plan *workflow.Plan, ji *workflow.JobInstance, l *slog.Logger) []string {
	keys := make([]string, len(ji.Caches))

	for i, cs := range ji.Caches {
		key := cache.FingerprintFiles(plan.Trigger.Ref, o.cfg.Pipelines.SourceDir, cs.Manifests...)
		keys[i] = key

		payload, ok, err := o.cache.Restore(ctx, key)
		if err != nil {
			l.Warn("cache restore errored; treating as miss", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if err := o.eng.Import(ctx, jid, ji, bytes.NewReader(payload)); err != nil {
			l.Warn("failed to import cache payload", "key", key, "error", err)
		}
	}

	return keys
}

// saveCaches is best-effort by contract: no failure here may fail the
// owning job.
func (o *Orchestrator) saveCaches(ctx context.Context, jid models.JobId, ji *workflow.JobInstance, keys []string, l *slog.Logger) {
	for i, cs := range ji.Caches {
		rc, err := o.eng.Export(ctx, jid, ji, cs.Path)
		if err != nil {
			l.Warn("failed to export cache path", "path", cs.Path, "error", err)
			continue
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			l.Warn("failed to read cache payload", "path", cs.Path, "error", err)
			continue
		}

		if err := o.cache.Save(ctx, keys[i], payload); err != nil {
			l.Warn("cache save failed", "key", keys[i], "error", err)
		}
	}
}

func (o *Orchestrator) persistArtifacts(ctx context.Context, jid models.JobId, run models.RunId, plan *workflow.Plan, ji *workflow.JobInstance, l *slog.Logger) error {
	for _, p := range ji.Persists {
		rc, err := o.eng.Export(ctx, jid, ji, p)
		if err != nil {
			return fmt.Errorf("exporting %q: %w", p, err)
		}
		err = o.ws.Persist(run, ji.Name, p, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("persisting %q: %w", p, err)
		}
	}

	// build jobs ship a provenance stamp next to their artifacts;
	// observability tooling reads it, the scheduler never does
	if ji.Kind == workflow.JobKindBuild && len(ji.Persists) > 0 {
		var buf bytes.Buffer
		stamp := models.NewStamp(plan.Trigger.Ref, ji.Name)
		if err := stamp.Encode(&buf); err == nil {
			if err := o.ws.Persist(run, ji.Name, ji.Name+".stamp.json", &buf); err != nil {
				l.Warn("failed to persist provenance stamp", "error", err)
			}
		}
	}

	return nil
}

func (o *Orchestrator) markJob(run models.RunId, name string, status models.Status) {
	jid := models.JobId{Run: run, Name: name}
	if err := o.db.MarkJob(jid, status); err != nil {
		o.l.Error("failed to record job status", "job", name, "status", status, "error", err)
	}
}

func (o *Orchestrator) control(jl *models.JobLogger, idx int, name, status string) {
	if jl == nil {
		return
	}
	if err := jl.Control(idx, name, status); err != nil {
		o.l.Error("failed to write control line", "step", name, "error", err)
	}
}
