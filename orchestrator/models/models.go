package models

import (
	"fmt"
	"regexp"
)

var re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

type RunId string

// JobId names one job instance within one run.
type JobId struct {
	Run  RunId
	Name string
}

func (j JobId) String() string {
	return fmt.Sprintf("%s-%s", j.Run, normalize(j.Name))
}

func normalize(name string) string {
	return re.ReplaceAllString(name, "-")
}

// Status is the lifecycle state of a job or a run. Job transitions are
// monotonic: pending → running → {succeeded, failed}. The remaining
// states are terminal and mutually exclusive with running:
//
//   - skipped: filtered out by the trigger, or a required predecessor
//     was skipped; never an error
//   - blocked: a required predecessor did not succeed; the job's own
//     steps never ran
//   - cancelled: the run was cancelled before the job started
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// StepFailure reports a command group exiting non-zero. It fails the
// owning job immediately; later steps in that job do not run.
type StepFailure struct {
	Step     string
	ExitCode int
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

// BlockedError reports a job whose required predecessor did not
// succeed. Recorded distinctly from StepFailure: the job never ran.
type BlockedError struct {
	Job         string
	Predecessor string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("job %q blocked: required predecessor %q did not succeed", e.Job, e.Predecessor)
}
