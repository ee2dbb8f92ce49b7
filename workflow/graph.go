package workflow

import (
	"fmt"
	"slices"
	"sort"
)

// GraphError is a malformed workflow definition: a cycle, a dangling
// dependency, or a duplicate instance name. Fatal at definition time;
// no run is scheduled.
type GraphError struct {
	Workflow string
	Instance string
	Reason   string
}

func (e *GraphError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("workflow %q: instance %q: %s", e.Workflow, e.Instance, e.Reason)
	}
	return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Reason)
}

// graph indexes a workflow's instances by name and resolves ordering
// questions over the `requires` edges.
type graph struct {
	workflow  string
	instances []Instance
	byName    map[string]int
	requires  map[string][]string
}

func buildGraph(name string, wd WorkflowDef) (*graph, error) {
	g := &graph{
		workflow:  name,
		instances: wd.Instances,
		byName:    make(map[string]int, len(wd.Instances)),
		requires:  make(map[string][]string, len(wd.Instances)),
	}

	for i, inst := range wd.Instances {
		if inst.Name == "" {
			return nil, &GraphError{Workflow: name, Reason: "instance name is required"}
		}
		if _, dup := g.byName[inst.Name]; dup {
			return nil, &GraphError{Workflow: name, Instance: inst.Name, Reason: "duplicate instance name"}
		}
		g.byName[inst.Name] = i
	}

	for _, inst := range wd.Instances {
		for _, req := range inst.Requires {
			if _, ok := g.byName[req]; !ok {
				return nil, &GraphError{
					Workflow: name,
					Instance: inst.Name,
					Reason:   fmt.Sprintf("requires undeclared instance %q", req),
				}
			}
			if req == inst.Name {
				return nil, &GraphError{Workflow: name, Instance: inst.Name, Reason: "requires itself"}
			}
			g.requires[inst.Name] = append(g.requires[inst.Name], req)
		}
	}

	if cyc := g.findCycle(); cyc != "" {
		return nil, &GraphError{Workflow: name, Instance: cyc, Reason: "dependency cycle"}
	}

	// a job may only attach artifacts from jobs it transitively requires
	for _, inst := range wd.Instances {
		reach := g.transitiveRequires(inst.Name)
		for _, producer := range inst.Attaches {
			if _, ok := g.byName[producer]; !ok {
				return nil, &GraphError{
					Workflow: name,
					Instance: inst.Name,
					Reason:   fmt.Sprintf("attaches undeclared instance %q", producer),
				}
			}
			if !slices.Contains(reach, producer) {
				return nil, &GraphError{
					Workflow: name,
					Instance: inst.Name,
					Reason:   fmt.Sprintf("attaches %q without requiring it", producer),
				}
			}
		}
	}

	return g, nil
}

func (g *graph) findCycle() string {
	const (
		unseen = iota
		onPath
		done
	)
	state := make(map[string]int, len(g.byName))

	var visit func(string) string
	visit = func(n string) string {
		state[n] = onPath
		for _, req := range g.requires[n] {
			switch state[req] {
			case onPath:
				return req
			case unseen:
				if c := visit(req); c != "" {
					return c
				}
			}
		}
		state[n] = done
		return ""
	}

	for _, inst := range g.instances {
		if state[inst.Name] == unseen {
			if c := visit(inst.Name); c != "" {
				return c
			}
		}
	}
	return ""
}

// transitiveRequires returns every instance reachable over `requires`
// edges from the given instance, sorted for determinism.
func (g *graph) transitiveRequires(name string) []string {
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(n string) {
		for _, req := range g.requires[n] {
			if _, ok := seen[req]; ok {
				continue
			}
			seen[req] = struct{}{}
			walk(req)
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// topoOrder returns a deterministic topological ordering of instance
// names. The graph is validated on construction, so this cannot fail.
func (g *graph) topoOrder() []string {
	indeg := make(map[string]int, len(g.byName))
	dependents := make(map[string][]string, len(g.byName))
	for _, inst := range g.instances {
		indeg[inst.Name] += 0
		for _, req := range g.requires[inst.Name] {
			indeg[inst.Name]++
			dependents[req] = append(dependents[req], inst.Name)
		}
	}

	var ready []string
	for _, inst := range g.instances {
		if indeg[inst.Name] == 0 {
			ready = append(ready, inst.Name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := false
		for _, dep := range dependents[n] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
				next = true
			}
		}
		if next {
			sort.Strings(ready)
		}
	}

	return order
}
