package workflow

import "regexp"

type RefKind string

const (
	RefKindBranch RefKind = "branch"
	RefKindTag    RefKind = "tag"
)

// Trigger is the ref event that starts a run.
type Trigger struct {
	Ref  string
	Kind RefKind
}

// Filter is a ref-matching predicate over branch and tag patterns.
// A nil Filter always matches.
type Filter struct {
	Branches FilterClause `yaml:"branches"`
	Tags     FilterClause `yaml:"tags"`
}

// FilterClause holds include/exclude patterns. An empty `only` list
// places no constraint; `ignore` prunes afterwards.
type FilterClause struct {
	Only   StringList `yaml:"only"`
	Ignore StringList `yaml:"ignore"`
}

func (f *Filter) Match(trigger Trigger) bool {
	if f == nil {
		return true
	}

	switch trigger.Kind {
	case RefKindTag:
		return f.Tags.match(trigger.Ref)
	default:
		return f.Branches.match(trigger.Ref)
	}
}

func (c *FilterClause) match(ref string) bool {
	if len(c.Only) > 0 {
		matched := false
		for _, p := range c.Only {
			if matchPattern(p, ref) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, p := range c.Ignore {
		if matchPattern(p, ref) {
			return false
		}
	}

	return true
}

// matchPattern treats the pattern as an anchored regular expression,
// falling back to literal comparison if it does not compile. A plain
// branch name like "main" behaves identically under both readings.
func matchPattern(pattern, ref string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return pattern == ref
	}
	return re.MatchString(ref)
}
