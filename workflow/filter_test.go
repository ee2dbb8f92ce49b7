package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match(Trigger{Ref: "main", Kind: RefKindBranch}))
	assert.True(t, f.Match(Trigger{Ref: "v1.0.0", Kind: RefKindTag}))
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		trigger Trigger
		want    bool
	}{
		{
			name:    "only literal branch matches",
			filter:  Filter{Branches: FilterClause{Only: StringList{"main"}}},
			trigger: Trigger{Ref: "main", Kind: RefKindBranch},
			want:    true,
		},
		{
			name:    "only literal branch rejects others",
			filter:  Filter{Branches: FilterClause{Only: StringList{"main"}}},
			trigger: Trigger{Ref: "feature/x", Kind: RefKindBranch},
			want:    false,
		},
		{
			name:    "regex pattern is anchored",
			filter:  Filter{Branches: FilterClause{Only: StringList{`release/.*`}}},
			trigger: Trigger{Ref: "not-release/1.0", Kind: RefKindBranch},
			want:    false,
		},
		{
			name:    "regex pattern matches whole ref",
			filter:  Filter{Branches: FilterClause{Only: StringList{`release/.*`}}},
			trigger: Trigger{Ref: "release/1.0", Kind: RefKindBranch},
			want:    true,
		},
		{
			name:    "ignore prunes after only",
			filter:  Filter{Branches: FilterClause{Only: StringList{`.*`}, Ignore: StringList{"wip"}}},
			trigger: Trigger{Ref: "wip", Kind: RefKindBranch},
			want:    false,
		},
		{
			name:    "empty only places no constraint",
			filter:  Filter{Branches: FilterClause{Ignore: StringList{"wip"}}},
			trigger: Trigger{Ref: "anything", Kind: RefKindBranch},
			want:    true,
		},
		{
			name:    "tag trigger consults the tags clause",
			filter:  Filter{Tags: FilterClause{Only: StringList{`v\d+\.\d+\.\d+`}}},
			trigger: Trigger{Ref: "v1.2.3", Kind: RefKindTag},
			want:    true,
		},
		{
			name:    "tag trigger with empty tags clause matches",
			filter:  Filter{Branches: FilterClause{Only: StringList{"main"}}},
			trigger: Trigger{Ref: "v1.2.3", Kind: RefKindTag},
			want:    true,
		},
		{
			name:    "invalid regex falls back to literal comparison",
			filter:  Filter{Branches: FilterClause{Only: StringList{"feat[ure"}}},
			trigger: Trigger{Ref: "feat[ure", Kind: RefKindBranch},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.trigger))
		})
	}
}
