package workflow

import (
	"fmt"
)

// Compiler turns a parsed Definition into runnable Plans for a given
// trigger. Parameter binding, step template expansion, graph
// validation and filter evaluation all happen here, once, at
// definition time; the orchestrator only ever sees bound instances.
type Compiler struct {
	Trigger     Trigger
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	InstanceSkipped      WarningKind = "instance skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// JobInstance is a fully bound node of the workflow graph: parameters
// substituted, step templates expanded, executor resolved.
type JobInstance struct {
	Name          string
	Workflow      string
	Kind          JobKind
	Executor      Executor
	ResourceClass string
	Steps         []Step
	Environment   map[string]string

	Requires           []string
	TransitiveRequires []string
	Persists           []string
	Attaches           []string
	Caches             []CacheSpec

	// Skipped is set when the trigger did not match the instance's
	// filter, or a required predecessor was itself skipped.
	Skipped bool
}

// Plan is the compiled form of one workflow for one trigger: every
// instance bound, ordered topologically, skips already propagated.
type Plan struct {
	Workflow  string
	Trigger   Trigger
	Order     []string
	Instances map[string]*JobInstance
}

// Runnable returns the instance names that are scheduled to execute,
// in plan order.
func (p *Plan) Runnable() []string {
	var out []string
	for _, name := range p.Order {
		if !p.Instances[name].Skipped {
			out = append(out, name)
		}
	}
	return out
}

// Compile compiles every workflow in the definition. Any malformed
// graph or unbindable job aborts compilation; nothing is scheduled.
func (c *Compiler) Compile(def Definition) ([]*Plan, error) {
	var plans []*Plan

	for name, wd := range def.Workflows {
		plan, err := c.compileWorkflow(def, name, wd)
		if err != nil {
			c.Diagnostics.AddError(name, err)
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, nil
}

func (c *Compiler) compileWorkflow(def Definition, name string, wd WorkflowDef) (*Plan, error) {
	g, err := buildGraph(name, wd)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Workflow:  name,
		Trigger:   c.Trigger,
		Order:     g.topoOrder(),
		Instances: make(map[string]*JobInstance, len(wd.Instances)),
	}

	for _, inst := range wd.Instances {
		ji, err := c.bindInstance(def, name, g, inst)
		if err != nil {
			return nil, err
		}
		plan.Instances[ji.Name] = ji
	}

	// skip propagation: walk in topological order so a predecessor's
	// skip is always decided before its dependents are looked at
	for _, n := range plan.Order {
		ji := plan.Instances[n]
		if ji.Skipped {
			continue
		}
		for _, req := range ji.Requires {
			if plan.Instances[req].Skipped {
				ji.Skipped = true
				c.Diagnostics.AddWarning(
					fmt.Sprintf("%s/%s", name, n),
					InstanceSkipped,
					fmt.Sprintf("required instance %q was skipped", req),
				)
				break
			}
		}
	}

	return plan, nil
}

func (c *Compiler) bindInstance(def Definition, workflow string, g *graph, inst Instance) (*JobInstance, error) {
	job, ok := def.Jobs[inst.Job]
	if !ok {
		return nil, &GraphError{
			Workflow: workflow,
			Instance: inst.Name,
			Reason:   fmt.Sprintf("references undeclared job %q", inst.Job),
		}
	}

	steps, err := def.resolveSteps(job)
	if err != nil {
		return nil, fmt.Errorf("instance %q: %w", inst.Name, err)
	}

	steps, err = bindParameters(job, steps, inst.With)
	if err != nil {
		return nil, fmt.Errorf("instance %q: %w", inst.Name, err)
	}

	var executor Executor
	if job.Executor != "" {
		executor, ok = def.Executors[job.Executor]
		if !ok {
			return nil, fmt.Errorf("instance %q: unknown executor %q", inst.Name, job.Executor)
		}
	}

	ji := &JobInstance{
		Name:          inst.Name,
		Workflow:      workflow,
		Kind:          job.Kind,
		Executor:      executor,
		ResourceClass: job.ResourceClass,
		Steps:         steps,
		Environment:   executor.Environment,

		Requires:           inst.Requires,
		TransitiveRequires: g.transitiveRequires(inst.Name),
		Persists:           inst.Persists,
		Attaches:           inst.Attaches,
		Caches:             inst.Caches,
	}

	if !inst.Filters.Match(c.Trigger) {
		ji.Skipped = true
		c.Diagnostics.AddWarning(
			fmt.Sprintf("%s/%s", workflow, inst.Name),
			InstanceSkipped,
			fmt.Sprintf("did not match trigger %s %q", c.Trigger.Kind, c.Trigger.Ref),
		)
	}

	return ji, nil
}
