package workspace

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), log.Discard())
	require.NoError(t, err)
	return s
}

func TestPersistAttach_RoundTrip(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "build", "app.tar", strings.NewReader("binary bytes")))

	artifacts, err := s.Attach(run, []string{"build"}, []string{"build"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	assert.Equal(t, "build", artifacts[0].Producer)
	assert.Equal(t, "app.tar", artifacts[0].Name)
	assert.Equal(t, int64(len("binary bytes")), artifacts[0].Size)

	rc, err := artifacts[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "binary bytes", string(got))
}

func TestPersist_AppendOnly(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "build", "app.tar", strings.NewReader("v1")))
	err := s.Persist(run, "build", "app.tar", strings.NewReader("v2"))
	assert.ErrorContains(t, err, "already persisted")
}

func TestAttach_MissingProducer(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	_, err := s.Attach(run, []string{"build"}, []string{"build"})

	var missing *ArtifactMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, run, missing.Run)
	assert.Equal(t, "build", missing.Producer)
}

func TestAttach_OutsideRequiresSet(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "sibling", "out.tar", strings.NewReader("x")))

	_, err := s.Attach(run, []string{"sibling"}, []string{"build", "test"})
	assert.ErrorContains(t, err, "outside the declared requires set")
}

func TestAttach_ScopedToRun(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Persist("run-1", "build", "app.tar", strings.NewReader("x")))

	// another run never sees run-1's artifacts
	_, err := s.Attach("run-2", []string{"build"}, []string{"build"})
	var missing *ArtifactMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestAttach_SortedAcrossProducers(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "b-job", "z.tar", strings.NewReader("z")))
	require.NoError(t, s.Persist(run, "a-job", "y.tar", strings.NewReader("y")))
	require.NoError(t, s.Persist(run, "a-job", "x.tar", strings.NewReader("x")))

	artifacts, err := s.Attach(run, []string{"b-job", "a-job"}, []string{"a-job", "b-job"})
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	assert.Equal(t, "x.tar", artifacts[0].Name)
	assert.Equal(t, "y.tar", artifacts[1].Name)
	assert.Equal(t, "z.tar", artifacts[2].Name)
}

func TestPersist_SanitizesName(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "build", "../../etc/passwd", strings.NewReader("x")))

	artifacts, err := s.Attach(run, []string{"build"}, []string{"build"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "passwd", artifacts[0].Name)
}

func TestDestroy(t *testing.T) {
	s := testStore(t)
	run := models.RunId("run-1")

	require.NoError(t, s.Persist(run, "build", "app.tar", strings.NewReader("x")))
	require.NoError(t, s.Destroy(run))

	_, err := s.Attach(run, []string{"build"}, []string{"build"})
	var missing *ArtifactMissingError
	assert.ErrorAs(t, err, &missing)
}
