package models

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobId_String(t *testing.T) {
	jid := JobId{Run: "run-1", Name: "unit tests (go 1.24)"}
	assert.Equal(t, "run-1-unit-tests--go-1.24-", jid.String())
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusBlocked, StatusSkipped, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestStamp_Encode(t *testing.T) {
	var buf bytes.Buffer
	stamp := NewStamp("refs/heads/main", "build")
	require.NoError(t, stamp.Encode(&buf))

	var got Stamp
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "refs/heads/main", got.Source)
	assert.Equal(t, "build", got.Build)
	assert.Equal(t, stamp.Commit, got.Commit)
	assert.Equal(t, stamp.Version, got.Version)
}

func TestStepFailure_Error(t *testing.T) {
	err := &StepFailure{Step: "compile", ExitCode: 2}
	assert.Equal(t, `step "compile" failed with exit code 2`, err.Error())
}

func TestBlockedError_Error(t *testing.T) {
	err := &BlockedError{Job: "deploy", Predecessor: "test"}
	assert.Contains(t, err.Error(), `"deploy"`)
	assert.Contains(t, err.Error(), `"test"`)
}
