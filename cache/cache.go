// Package cache is a content-addressed store for opaque payloads,
// keyed by a fingerprint of dependency manifests plus a scope
// discriminator (branch). A miss is never an error; a failed save
// never fails the owning job.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	dir string
	db  *sql.DB
	l   *slog.Logger
}

func NewStore(dir string, l *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	// the index is observability only; blobs are authoritative
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db")+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	_, err = db.Exec(`
		create table if not exists entries (
			key text primary key,
			size integer not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`)
	if err != nil {
		return nil, err
	}

	return &Store{dir: dir, db: db, l: l}, nil
}

// Fingerprint derives a deterministic key from a scope discriminator
// and the manifest contents. Identical manifests on the same branch
// share an entry; a different branch or a changed manifest starts cold.
func Fingerprint(scope string, manifests ...[]byte) string {
	h := sha256.New()

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}

	writeField([]byte(scope))
	for _, m := range manifests {
		writeField(m)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFiles reads manifest files relative to dir. A missing
// manifest contributes empty content, so the key stays deterministic.
func FingerprintFiles(scope, dir string, paths ...string) string {
	manifests := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			data = nil
		}
		manifests[i] = data
	}
	return Fingerprint(scope, manifests...)
}

// Restore looks up a payload by exact key. A miss returns ok=false
// and no error; callers proceed with a full rebuild.
func (s *Store) Restore(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := os.ReadFile(s.blobPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		s.l.Warn("cache miss", "key", key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("restoring cache entry: %w", err)
	}

	s.l.Info("cache restored", "key", key, "size", humanize.Bytes(uint64(len(payload))))
	return payload, true, nil
}

// Save persists a payload under key, best-effort with a bounded
// retry. Concurrent saves of the same key resolve last-write-wins;
// the payload is expected to be reproducible from the key.
func (s *Store) Save(ctx context.Context, key string, payload []byte) error {
	err := retry.Do(
		func() error { return s.write(key, payload) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("saving cache entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into entries (key, size) values (?, ?)
		on conflict(key) do update set size = excluded.size
	`, key, len(payload))
	if err != nil {
		// index drift is tolerable, the blob is already durable
		s.l.Warn("failed to index cache entry", "key", key, "error", err)
	}

	s.l.Info("cache saved", "key", key, "size", humanize.Bytes(uint64(len(payload))))
	return nil
}

type Entry struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, size, created_at from entries order by created_at desc limit 100
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Size, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.dir, "blobs", key)
}

// write lands the blob atomically so a racing reader never observes a
// torn payload.
func (s *Store) write(key string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "blobs"), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), s.blobPath(key))
}
