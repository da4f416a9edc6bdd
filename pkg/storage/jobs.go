package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/plexusone/agentcomms/pkg/calltypes"
)

// CreateJob inserts a new ScheduledJob.
func (db *DB) CreateJob(ctx context.Context, job *calltypes.ScheduledJob) error {
	bhpJSON, recJSON, err := marshalJobExtras(job)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, `
		INSERT INTO scheduled_jobs (id, call_id, due_at, timezone, status, business_hours_json,
			recurrence_json, next_run, processed_at, created_at, kind, retry_attempt_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CallID, timeToStr(job.DueAt), job.Timezone, string(job.Status), bhpJSON, recJSON,
		nullTimeToStr(job.NextRun), nullTimeToStr(job.ProcessedAt), timeToStr(job.CreatedAt),
		string(job.Kind), job.RetryAttemptID,
	)
	return err
}

// UpdateJob persists every mutable field of an existing ScheduledJob.
func (db *DB) UpdateJob(ctx context.Context, job *calltypes.ScheduledJob) error {
	bhpJSON, recJSON, err := marshalJobExtras(job)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, `
		UPDATE scheduled_jobs SET due_at = ?, status = ?, business_hours_json = ?, recurrence_json = ?,
			next_run = ?, processed_at = ?
		WHERE id = ?`,
		timeToStr(job.DueAt), string(job.Status), bhpJSON, recJSON,
		nullTimeToStr(job.NextRun), nullTimeToStr(job.ProcessedAt), job.ID,
	)
	return err
}

// GetJob loads a ScheduledJob by ID.
func (db *DB) GetJob(ctx context.Context, id string) (*calltypes.ScheduledJob, error) {
	row := db.queryRow(ctx, `
		SELECT id, call_id, due_at, timezone, status, business_hours_json, recurrence_json,
			next_run, processed_at, created_at, kind, retry_attempt_id
		FROM scheduled_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// DueJobs returns up to limit pending jobs whose due_at has passed,
// oldest first, the scheduler's FIFO poll query (§4.6).
func (db *DB) DueJobs(ctx context.Context, now time.Time, limit int) ([]*calltypes.ScheduledJob, error) {
	rows, err := db.query(ctx, `
		SELECT id, call_id, due_at, timezone, status, business_hours_json, recurrence_json,
			next_run, processed_at, created_at, kind, retry_attempt_id
		FROM scheduled_jobs
		WHERE status = ? AND due_at <= ?
		ORDER BY due_at ASC
		LIMIT ?`, string(calltypes.JobPending), timeToStr(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*calltypes.ScheduledJob
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecordDeadLetter persists a job that exhausted its dispatch attempts
// without succeeding (§4.6 dead-letter recording).
func (db *DB) RecordDeadLetter(ctx context.Context, kind calltypes.JobKind, refID, reason string) error {
	at := time.Now()
	_, err := db.exec(ctx, `INSERT INTO dead_letter_jobs (id, kind, ref_id, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		dlID(refID, at), string(kind), refID, reason, timeToStr(at))
	return err
}

func dlID(refID string, at time.Time) string {
	return fmt.Sprintf("dl-%s-%d", refID, at.UnixNano())
}

func marshalJobExtras(job *calltypes.ScheduledJob) (bhpJSON, recJSON sql.NullString, err error) {
	if job.BusinessHoursPolicy != nil {
		b, e := json.Marshal(job.BusinessHoursPolicy)
		if e != nil {
			return bhpJSON, recJSON, fmt.Errorf("marshal business hours policy: %w", e)
		}
		bhpJSON = sql.NullString{String: string(b), Valid: true}
	}
	if job.Recurrence != nil {
		b, e := json.Marshal(job.Recurrence)
		if e != nil {
			return bhpJSON, recJSON, fmt.Errorf("marshal recurrence: %w", e)
		}
		recJSON = sql.NullString{String: string(b), Valid: true}
	}
	return bhpJSON, recJSON, nil
}

func scanJob(row *sql.Row) (*calltypes.ScheduledJob, error) {
	var j calltypes.ScheduledJob
	var status, dueAt, createdAt, kind string
	var bhpJSON, recJSON, nextRun, processedAt sql.NullString

	err := row.Scan(&j.ID, &j.CallID, &dueAt, &j.Timezone, &status, &bhpJSON, &recJSON,
		&nextRun, &processedAt, &createdAt, &kind, &j.RetryAttemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan scheduled job: %w", err)
	}
	return finishJob(&j, status, dueAt, createdAt, kind, bhpJSON, recJSON, nextRun, processedAt)
}

func scanJobRows(rows *sql.Rows) (*calltypes.ScheduledJob, error) {
	var j calltypes.ScheduledJob
	var status, dueAt, createdAt, kind string
	var bhpJSON, recJSON, nextRun, processedAt sql.NullString

	if err := rows.Scan(&j.ID, &j.CallID, &dueAt, &j.Timezone, &status, &bhpJSON, &recJSON,
		&nextRun, &processedAt, &createdAt, &kind, &j.RetryAttemptID); err != nil {
		return nil, fmt.Errorf("scan scheduled job: %w", err)
	}
	return finishJob(&j, status, dueAt, createdAt, kind, bhpJSON, recJSON, nextRun, processedAt)
}

func finishJob(j *calltypes.ScheduledJob, status, dueAt, createdAt, kind string, bhpJSON, recJSON, nextRun, processedAt sql.NullString) (*calltypes.ScheduledJob, error) {
	j.Status = calltypes.JobStatus(status)
	j.DueAt = strToTime(dueAt)
	j.CreatedAt = strToTime(createdAt)
	j.Kind = calltypes.JobKind(kind)
	j.NextRun = strToNullTime(nextRun)
	j.ProcessedAt = strToNullTime(processedAt)

	if bhpJSON.Valid {
		var bhp calltypes.BusinessHoursPolicy
		if err := json.Unmarshal([]byte(bhpJSON.String), &bhp); err != nil {
			return nil, fmt.Errorf("unmarshal business hours policy: %w", err)
		}
		j.BusinessHoursPolicy = &bhp
	}
	if recJSON.Valid {
		var rec calltypes.Recurrence
		if err := json.Unmarshal([]byte(recJSON.String), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal recurrence: %w", err)
		}
		j.Recurrence = &rec
	}
	return j, nil
}
