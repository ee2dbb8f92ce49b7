package deploy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"treadle.sh/core/workflow"
)

func TestGate(t *testing.T) {
	tests := []struct {
		name    string
		trigger workflow.Trigger
		want    Decision
	}{
		{
			name:    "main branch deploys latest",
			trigger: workflow.Trigger{Ref: "main", Kind: workflow.RefKindBranch},
			want:    Decision{Run: true, Tag: "latest"},
		},
		{
			name:    "master branch deploys latest",
			trigger: workflow.Trigger{Ref: "master", Kind: workflow.RefKindBranch},
			want:    Decision{Run: true, Tag: "latest"},
		},
		{
			name:    "release tag deploys its literal value",
			trigger: workflow.Trigger{Ref: "v2.1.0", Kind: workflow.RefKindTag},
			want:    Decision{Run: true, Tag: "v2.1.0"},
		},
		{
			name:    "feature branch skips",
			trigger: workflow.Trigger{Ref: "feature/x", Kind: workflow.RefKindBranch},
			want:    Decision{},
		},
		{
			name:    "non-release tag skips",
			trigger: workflow.Trigger{Ref: "nightly-2024-01-01", Kind: workflow.RefKindTag},
			want:    Decision{},
		},
		{
			name:    "prerelease tag skips under the default pattern",
			trigger: workflow.Trigger{Ref: "v2.1.0-rc1", Kind: workflow.RefKindTag},
			want:    Decision{},
		},
		{
			name:    "branch named like a tag still skips",
			trigger: workflow.Trigger{Ref: "v2.1.0", Kind: workflow.RefKindBranch},
			want:    Decision{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Gate(tt.trigger, nil))
		})
	}
}

func TestGate_CustomReleasePattern(t *testing.T) {
	release := regexp.MustCompile(`^release-\d+$`)

	d := Gate(workflow.Trigger{Ref: "release-42", Kind: workflow.RefKindTag}, release)
	assert.Equal(t, Decision{Run: true, Tag: "release-42"}, d)

	d = Gate(workflow.Trigger{Ref: "v1.0.0", Kind: workflow.RefKindTag}, release)
	assert.Equal(t, Decision{}, d)
}

func TestCredentials_Env(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		c := Credentials{URL: "registry.example.com", Username: "ci", Password: "hunter2"}
		env, err := c.Env()
		assert.NoError(t, err)
		assert.Equal(t, map[string]string{
			"REGISTRY_URL":      "registry.example.com",
			"REGISTRY_USER":     "ci",
			"REGISTRY_PASSWORD": "hunter2",
		}, env)
	})

	t.Run("missing and not required skips login", func(t *testing.T) {
		c := Credentials{URL: "registry.example.com"}
		env, err := c.Env()
		assert.NoError(t, err)
		assert.Empty(t, env)
	})

	t.Run("missing and required fails", func(t *testing.T) {
		c := Credentials{URL: "registry.example.com", Require: true}
		_, err := c.Env()
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("username without password is missing", func(t *testing.T) {
		c := Credentials{Username: "ci", Require: true}
		_, err := c.Env()
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})
}
