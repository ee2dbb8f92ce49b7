package workflow

import (
	"fmt"
	"regexp"
)

var paramSite = regexp.MustCompile(`<<\s*([a-zA-Z_][a-zA-Z0-9_-]*)\s*>>`)

// bindParameters instantiates a job template with a concrete parameter
// record. Binding happens once, at definition time; the result is an
// independent job with no parameter sites left.
func bindParameters(job JobDef, steps []Step, with map[string]string) ([]Step, error) {
	for _, p := range job.Parameters {
		if _, ok := with[p]; !ok {
			return nil, fmt.Errorf("missing value for parameter %q", p)
		}
	}
	for k := range with {
		declared := false
		for _, p := range job.Parameters {
			if p == k {
				declared = true
				break
			}
		}
		if !declared {
			return nil, fmt.Errorf("undeclared parameter %q", k)
		}
	}

	bound := make([]Step, len(steps))
	for i, s := range steps {
		bs := s

		name, err := substitute(s.Name, with)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		bs.Name = name

		bs.Commands = make(StringList, len(s.Commands))
		for j, cmd := range s.Commands {
			c, err := substitute(cmd, with)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", s.Name, err)
			}
			bs.Commands[j] = c
		}

		if len(s.Environment) > 0 {
			bs.Environment = make(map[string]string, len(s.Environment))
			for k, v := range s.Environment {
				bv, err := substitute(v, with)
				if err != nil {
					return nil, fmt.Errorf("step %q: %w", s.Name, err)
				}
				bs.Environment[k] = bv
			}
		}

		bound[i] = bs
	}

	return bound, nil
}

func substitute(in string, with map[string]string) (string, error) {
	var missing string
	out := paramSite.ReplaceAllStringFunc(in, func(site string) string {
		key := paramSite.FindStringSubmatch(site)[1]
		v, ok := with[key]
		if !ok {
			missing = key
			return site
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("no value bound for parameter site <<%s>>", missing)
	}
	return out, nil
}
