package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// - a push to a ref triggers a "Run" of one workflow
// - a workflow is a graph of job instances connected by `requires` edges
// - a job definition is a template; instances bind its parameters once,
//   at definition time, and become independent graph nodes
// - step templates are first-class step lists shared across jobs,
//   referenced by name instead of copy-pasted

type (
	// Definition is the structural representation of a workflow file.
	Definition struct {
		Name          string                 `yaml:"name"`
		Executors     map[string]Executor    `yaml:"executors"`
		StepTemplates map[string][]Step      `yaml:"step_templates"`
		Jobs          map[string]JobDef      `yaml:"jobs"`
		Workflows     map[string]WorkflowDef `yaml:"workflows"`
	}

	// Executor is an opaque handle to a container image plus optional
	// sidecar service images. The core never interprets what runs inside.
	Executor struct {
		Image       string            `yaml:"image"`
		Services    StringList        `yaml:"services"`
		Environment map[string]string `yaml:"environment"`
	}

	// Step is an ordered command group. It either carries its own
	// commands or references a step template by name via `uses`.
	Step struct {
		Name        string            `yaml:"name"`
		Commands    StringList        `yaml:"commands"`
		Environment map[string]string `yaml:"environment"`
		Uses        string            `yaml:"uses"`
	}

	JobDef struct {
		Kind          JobKind    `yaml:"kind"`
		Executor      string     `yaml:"executor"`
		ResourceClass string     `yaml:"resource_class"`
		Parameters    StringList `yaml:"parameters"`
		Steps         []Step     `yaml:"steps"`
	}

	WorkflowDef struct {
		Instances []Instance `yaml:"instances"`
	}

	// Instance is one concretely named node in the workflow graph.
	Instance struct {
		Name     string            `yaml:"name"`
		Job      string            `yaml:"job"`
		With     map[string]string `yaml:"with"`
		Requires StringList        `yaml:"requires"`
		Filters  *Filter           `yaml:"filters"`
		Persists StringList        `yaml:"persists"`
		Attaches StringList        `yaml:"attaches"`
		Caches   []CacheSpec       `yaml:"caches"`
	}

	// CacheSpec names the dependency manifests whose checksums form
	// the cache fingerprint, and the directory saved/restored under
	// that entry.
	CacheSpec struct {
		Manifests StringList `yaml:"manifests"`
		Path      string     `yaml:"path"`
	}

	StringList []string
)

type JobKind string

const (
	JobKindBuild   JobKind = "build"
	JobKindTest    JobKind = "test"
	JobKindDeploy  JobKind = "deploy"
	JobKindGeneric JobKind = ""
)

func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	if def.Name == "" {
		def.Name = name
	}

	return def, nil
}

// resolveSteps expands `uses` references against the definition's step
// templates. Inline commands and a template reference are mutually
// exclusive on a single step.
func (d *Definition) resolveSteps(job JobDef) ([]Step, error) {
	var out []Step
	for _, s := range job.Steps {
		if s.Uses == "" {
			out = append(out, s)
			continue
		}

		if len(s.Commands) > 0 {
			return nil, fmt.Errorf("step %q: cannot combine `uses` and `commands`", s.Name)
		}

		tpl, ok := d.StepTemplates[s.Uses]
		if !ok {
			return nil, fmt.Errorf("step %q: unknown step template %q", s.Name, s.Uses)
		}

		for _, ts := range tpl {
			// step-level environment overrides the template's
			merged := ts
			if len(s.Environment) > 0 {
				env := make(map[string]string, len(ts.Environment)+len(s.Environment))
				for k, v := range ts.Environment {
					env[k] = v
				}
				for k, v := range s.Environment {
					env[k] = v
				}
				merged.Environment = env
			}
			out = append(out, merged)
		}
	}
	return out, nil
}

// Custom unmarshaller so scalar and sequence forms are both accepted.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
