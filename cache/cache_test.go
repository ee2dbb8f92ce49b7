package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treadle.sh/core/log"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), log.Discard())
	require.NoError(t, err)
	return s
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("main", []byte("lockfile-v1"))
	b := Fingerprint("main", []byte("lockfile-v1"))
	assert.Equal(t, a, b)
}

func TestFingerprint_ScopeChangesKey(t *testing.T) {
	main := Fingerprint("main", []byte("lockfile-v1"))
	feature := Fingerprint("feature/x", []byte("lockfile-v1"))
	assert.NotEqual(t, main, feature)
}

func TestFingerprint_ManifestChangesKey(t *testing.T) {
	before := Fingerprint("main", []byte("lockfile-v1"))
	after := Fingerprint("main", []byte("lockfile-v2"))
	assert.NotEqual(t, before, after)
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	// the length prefix keeps ("ab","c") distinct from ("a","bc")
	assert.NotEqual(t,
		Fingerprint("s", []byte("ab"), []byte("c")),
		Fingerprint("s", []byte("a"), []byte("bc")),
	)
}

func TestFingerprintFiles_MissingManifestIsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.sum"), []byte("sums"), 0644))

	withMissing := FingerprintFiles("main", dir, "go.sum", "package-lock.json")
	explicit := Fingerprint("main", []byte("sums"), nil)
	assert.Equal(t, explicit, withMissing)
}

func TestStore_SaveRestore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := Fingerprint("main", []byte("lockfile"))
	payload := []byte("opaque tarball bytes")

	require.NoError(t, s.Save(ctx, key, payload))

	got, ok, err := s.Restore(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestStore_MissIsNotAnError(t *testing.T) {
	s := testStore(t)

	got, ok, err := s.Restore(context.Background(), Fingerprint("main", []byte("never saved")))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStore_SaveOverwritesLastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := Fingerprint("main", []byte("lockfile"))
	require.NoError(t, s.Save(ctx, key, []byte("first")))
	require.NoError(t, s.Save(ctx, key, []byte("second")))

	got, ok, err := s.Restore(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_EntriesIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Fingerprint("main", []byte("a")), []byte("payload-a")))
	require.NoError(t, s.Save(ctx, Fingerprint("main", []byte("b")), []byte("payload-bb")))

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	sizes := map[string]int64{}
	for _, e := range entries {
		sizes[e.Key] = e.Size
		assert.NotEmpty(t, e.CreatedAt)
	}
	assert.Equal(t, int64(9), sizes[Fingerprint("main", []byte("a"))])
	assert.Equal(t, int64(10), sizes[Fingerprint("main", []byte("b"))])
}
