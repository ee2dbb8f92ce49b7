package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Secret is an opaque key/value pair scoped to one workflow. Values
// are injected into job environments and never logged.
type Secret struct {
	Workflow  string
	Key       string
	Value     string
	CreatedAt time.Time
}

type Manager interface {
	Add(ctx context.Context, secret Secret) error
	Remove(ctx context.Context, wf, key string) error

	// List returns the secrets for a workflow with values redacted.
	List(ctx context.Context, wf string) ([]Secret, error)

	// Env returns the plaintext key/value map for injection into a
	// job's execution environment. Only the engine path uses this.
	Env(ctx context.Context, wf string) (map[string]string, error)
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

var (
	_ = []Manager{
		&SqliteManager{},
	}
)

var (
	// shell identifier syntax, since keys become env var names
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func ValidateKey(key string) error {
	if key == "" || !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}
