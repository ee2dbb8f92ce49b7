// treadle runs a workflow file once against a ref and reports every
// job's terminal status. It is the local counterpart of the treadled
// server; both share the same engine and stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"treadle.sh/core/cache"
	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator"
	"treadle.sh/core/orchestrator/config"
	"treadle.sh/core/orchestrator/db"
	"treadle.sh/core/orchestrator/engine"
	"treadle.sh/core/orchestrator/models"
	"treadle.sh/core/orchestrator/secrets"
	"treadle.sh/core/workflow"
	"treadle.sh/core/workspace"
)

func main() {
	var (
		file = flag.String("file", ".treadle/workflow.yml", "workflow file to run")
		ref  = flag.String("ref", "main", "ref that triggered the run")
		kind = flag.String("kind", "branch", "ref kind: branch or tag")
	)
	versioninfo.AddFlag(nil)
	flag.Parse()

	ctx := log.NewContext(context.Background(), "treadle")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *file, *ref, *kind); err != nil {
		log.FromContext(ctx).Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, file, ref, kind string) error {
	l := log.FromContext(ctx)

	rk := workflow.RefKind(kind)
	if rk != workflow.RefKindBranch && rk != workflow.RefKindTag {
		return fmt.Errorf("unknown ref kind %q", kind)
	}

	contents, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	def, err := workflow.FromFile(file, contents)
	if err != nil {
		return err
	}

	compiler := workflow.Compiler{Trigger: workflow.Trigger{Ref: ref, Kind: rk}}
	plans, err := compiler.Compile(def)
	if err != nil {
		return err
	}
	for _, warning := range compiler.Diagnostics.Warnings {
		l.Warn(warning.String())
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}

	cs, err := cache.NewStore(cfg.Pipelines.CacheDir, log.SubLogger(l, "cache"))
	if err != nil {
		return err
	}

	ws, err := workspace.NewStore(cfg.Pipelines.WorkspaceDir, log.SubLogger(l, "workspace"))
	if err != nil {
		return err
	}

	sm, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Pipelines.LogDir, 0755); err != nil {
		return err
	}

	o, err := orchestrator.New(ctx, cfg, d, eng, cs, ws, sm)
	if err != nil {
		return err
	}
	defer o.Stop()

	failed := false
	for _, plan := range plans {
		result, err := o.Execute(ctx, orchestrator.NewRunId(), plan)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s (%s)\n", plan.Workflow, result.Status, result.Run)
		for _, name := range plan.Order {
			fmt.Printf("  %-30s %s\n", name, result.Jobs[name])
		}

		if !successful(result.Status) {
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("one or more workflows did not succeed")
	}
	return nil
}

// successful decides the exit code: anything short of a fully
// succeeded run, including an interrupted one, exits non-zero.
func successful(st models.Status) bool {
	return st == models.StatusSucceeded
}
