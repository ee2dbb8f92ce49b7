package db

import (
	"database/sql"
	"fmt"

	"treadle.sh/core/orchestrator/models"
	"treadle.sh/core/workflow"
)

type Run struct {
	Id       models.RunId  `json:"id"`
	Workflow string        `json:"workflow"`
	Ref      string        `json:"ref"`
	RefKind  string        `json:"ref_kind"`
	Status   models.Status `json:"status"`

	StartedAt  string `json:"started_at"`
	UpdatedAt  string `json:"updated_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type Job struct {
	Run    models.RunId  `json:"run"`
	Name   string        `json:"name"`
	Status models.Status `json:"status"`

	// only set for failed jobs
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	StartedAt  string `json:"started_at"`
	UpdatedAt  string `json:"updated_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (d *DB) CreateRun(id models.RunId, wf string, trigger workflow.Trigger) error {
	_, err := d.Exec(`
		insert into runs (id, workflow, ref, ref_kind, status)
		values (?, ?, ?, ?, ?)
	`, id, wf, trigger.Ref, string(trigger.Kind), models.StatusRunning)
	return err
}

// FinishRun records the aggregate status of a run.
func (d *DB) FinishRun(id models.RunId, status models.Status) error {
	_, err := d.Exec(`
		update runs
		set status = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, status, id)
	return err
}

func (d *DB) CreateJob(jid models.JobId, status models.Status) error {
	_, err := d.Exec(`
		insert into jobs (run_id, name, status)
		values (?, ?, ?)
	`, jid.Run, jid.Name, status)
	return err
}

// MarkJob moves a job to a new status. Transitions are monotonic;
// callers never move a job out of a terminal status.
func (d *DB) MarkJob(jid models.JobId, status models.Status) error {
	finished := ""
	if status.Terminal() {
		finished = ", finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"
	}

	_, err := d.Exec(fmt.Sprintf(`
		update jobs
		set status = ?, updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now')%s
		where run_id = ? and name = ?
	`, finished), status, jid.Run, jid.Name)
	return err
}

// MarkJobBlocked records that a required predecessor did not succeed;
// the job's own steps never ran.
func (d *DB) MarkJobBlocked(jid models.JobId, predecessor string) error {
	berr := models.BlockedError{Job: jid.Name, Predecessor: predecessor}
	_, err := d.Exec(`
		update jobs
		set status = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusBlocked, berr.Error(), jid.Run, jid.Name)
	return err
}

func (d *DB) MarkJobFailed(jid models.JobId, exitCode int, errorMsg string) error {
	_, err := d.Exec(`
		update jobs
		set status = ?,
		    exit_code = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusFailed, exitCode, errorMsg, jid.Run, jid.Name)
	return err
}

func (d *DB) GetRun(id models.RunId) (Run, error) {
	var r Run
	var finished sql.NullString
	err := d.QueryRow(`
		select id, workflow, ref, ref_kind, status, started_at, updated_at, finished_at
		from runs
		where id = ?
	`, id).Scan(&r.Id, &r.Workflow, &r.Ref, &r.RefKind, &r.Status, &r.StartedAt, &r.UpdatedAt, &finished)
	r.FinishedAt = finished.String
	return r, err
}

func (d *DB) GetRuns(cursor string) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where started_at > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, workflow, ref, ref_kind, status, started_at, updated_at, finished_at
		from runs
		%s
		order by started_at asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullString
		if err := rows.Scan(&r.Id, &r.Workflow, &r.Ref, &r.RefKind, &r.Status, &r.StartedAt, &r.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		r.FinishedAt = finished.String
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

func (d *DB) GetJobs(id models.RunId) ([]Job, error) {
	rows, err := d.Query(`
		select run_id, name, status, error, exit_code, started_at, updated_at, finished_at
		from jobs
		where run_id = ?
		order by started_at asc, name asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var finished sql.NullString
		if err := rows.Scan(&j.Run, &j.Name, &j.Status, &j.Error, &j.ExitCode, &j.StartedAt, &j.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		j.FinishedAt = finished.String
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}
