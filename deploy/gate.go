// Package deploy gates deploy-class jobs on the triggering ref and
// decides the image tag to publish under. The gate is evaluated
// strictly after upstream build success; it never runs push steps for
// a ref that does not qualify.
package deploy

import (
	"errors"
	"regexp"

	"treadle.sh/core/workflow"
)

// DefaultReleasePattern matches exact semver release tags (v1.2.3).
var DefaultReleasePattern = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)

type Decision struct {
	// Run is false when the ref qualifies for no deployment; the
	// deploy job is skipped, not failed.
	Run bool
	Tag string
}

// Gate maps the triggering ref onto a deploy decision:
//
//	branch main/master   -> floating tag "latest"
//	tag matching release -> the tag's literal value
//	anything else        -> skip
func Gate(trigger workflow.Trigger, release *regexp.Regexp) Decision {
	if release == nil {
		release = DefaultReleasePattern
	}

	switch trigger.Kind {
	case workflow.RefKindBranch:
		if trigger.Ref == "main" || trigger.Ref == "master" {
			return Decision{Run: true, Tag: "latest"}
		}
	case workflow.RefKindTag:
		if release.MatchString(trigger.Ref) {
			return Decision{Run: true, Tag: trigger.Ref}
		}
	}

	return Decision{}
}

var ErrMissingCredentials = errors.New("registry credentials not configured")

// Credentials is the explicit registry configuration handed to the
// orchestrator at run start. Nothing is read from ambient process
// state.
type Credentials struct {
	URL      string
	Username string
	Password string

	// Require controls the missing-credential policy: false skips
	// registry login and proceeds unauthenticated, true fails the
	// deploy job.
	Require bool
}

func (c Credentials) Present() bool {
	return c.Username != "" && c.Password != ""
}

// Env returns the environment to inject into deploy steps. With
// missing credentials it returns ErrMissingCredentials when Require
// is set, otherwise an empty map: login is skipped, the job proceeds.
func (c Credentials) Env() (map[string]string, error) {
	if !c.Present() {
		if c.Require {
			return nil, ErrMissingCredentials
		}
		return map[string]string{}, nil
	}

	return map[string]string{
		"REGISTRY_URL":      c.URL,
		"REGISTRY_USER":     c.Username,
		"REGISTRY_PASSWORD": c.Password,
	}, nil
}
