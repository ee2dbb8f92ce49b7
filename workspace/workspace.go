// Package workspace is the run-scoped artifact store: one job
// persists files, later jobs in the same run attach and read them.
// Payloads are opaque blobs; visibility never crosses a run.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/dustin/go-humanize"

	"treadle.sh/core/orchestrator/models"
)

type Store struct {
	dir string
	l   *slog.Logger
}

func NewStore(dir string, l *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	return &Store{dir: dir, l: l}, nil
}

// ArtifactMissingError is returned when a consumer attaches a
// producer that never persisted anything, typically because the
// producer failed. The consuming job fails before any step runs.
type ArtifactMissingError struct {
	Run      models.RunId
	Producer string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("run %s: no artifacts persisted by %q", e.Run, e.Producer)
}

type Artifact struct {
	Producer string
	Name     string
	Path     string
	Size     int64
}

func (a Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Persist stores one artifact produced by a job. The store is
// append-only within a run: persisting the same name twice from the
// same producer is a caller error.
func (s *Store) Persist(run models.RunId, producer, name string, r io.Reader) error {
	dir := filepath.Join(s.dir, string(run), producer)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}

	path := filepath.Join(dir, sanitize(name))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("artifact %q already persisted by %q in run %s", name, producer, run)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("writing artifact: %w", err)
	}

	s.l.Info("artifact persisted", "run", run, "producer", producer, "name", name, "size", humanize.Bytes(uint64(n)))
	return nil
}

// Attach returns the artifacts of the named producers. Producers must
// be inside the consumer's transitive requires set; the workflow
// compiler enforces this structurally, and Attach re-checks it.
func (s *Store) Attach(run models.RunId, producers, allowed []string) ([]Artifact, error) {
	var artifacts []Artifact

	for _, producer := range producers {
		if !slices.Contains(allowed, producer) {
			return nil, fmt.Errorf("attach of %q is outside the declared requires set", producer)
		}

		dir := filepath.Join(s.dir, string(run), producer)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &ArtifactMissingError{Run: run, Producer: producer}
			}
			return nil, err
		}
		if len(entries) == 0 {
			return nil, &ArtifactMissingError{Run: run, Producer: producer}
		}

		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, Artifact{
				Producer: producer,
				Name:     e.Name(),
				Path:     filepath.Join(dir, e.Name()),
				Size:     info.Size(),
			})
		}
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].Producer != artifacts[j].Producer {
			return artifacts[i].Producer < artifacts[j].Producer
		}
		return artifacts[i].Name < artifacts[j].Name
	})

	return artifacts, nil
}

// Destroy removes everything the run persisted.
func (s *Store) Destroy(run models.RunId) error {
	return os.RemoveAll(filepath.Join(s.dir, string(run)))
}

func sanitize(name string) string {
	name = filepath.Clean(name)
	return filepath.Base(name)
}
