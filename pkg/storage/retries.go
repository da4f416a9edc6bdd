package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plexusone/agentcomms/pkg/calltypes"
)

// CreateRetryAttempt inserts a new RetryAttempt.
func (db *DB) CreateRetryAttempt(ctx context.Context, attempt *calltypes.RetryAttempt) error {
	_, err := db.exec(ctx, `
		INSERT INTO retry_attempts (id, original_call_id, retry_call_id, attempt_number, due_at,
			status, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.OriginalCallID, attempt.RetryCallID, attempt.AttemptNumber,
		timeToStr(attempt.DueAt), string(attempt.Status), string(attempt.FailureReason), timeToStr(attempt.CreatedAt),
	)
	return err
}

// UpdateRetryAttempt persists the mutable fields of an existing
// RetryAttempt (status, and the retry call ID once C5 creates it).
func (db *DB) UpdateRetryAttempt(ctx context.Context, attempt *calltypes.RetryAttempt) error {
	_, err := db.exec(ctx, `UPDATE retry_attempts SET status = ?, retry_call_id = ? WHERE id = ?`,
		string(attempt.Status), attempt.RetryCallID, attempt.ID)
	return err
}

// GetRetryAttempt loads a RetryAttempt by ID.
func (db *DB) GetRetryAttempt(ctx context.Context, id string) (*calltypes.RetryAttempt, error) {
	row := db.queryRow(ctx, `
		SELECT id, original_call_id, retry_call_id, attempt_number, due_at, status, failure_reason, created_at
		FROM retry_attempts WHERE id = ?`, id)
	return scanRetryAttempt(row)
}

// PendingRetryForCall returns the pending RetryAttempt for callID, or nil
// if none exists, backing ScheduleRetry's idempotency check.
func (db *DB) PendingRetryForCall(ctx context.Context, callID string) (*calltypes.RetryAttempt, error) {
	row := db.queryRow(ctx, `
		SELECT id, original_call_id, retry_call_id, attempt_number, due_at, status, failure_reason, created_at
		FROM retry_attempts WHERE original_call_id = ? AND status = ? LIMIT 1`, callID, string(calltypes.RetryPending))
	attempt, err := scanRetryAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// CountRetryAttempts returns how many retry attempts have ever been
// created for originalCallID, regardless of status.
func (db *DB) CountRetryAttempts(ctx context.Context, originalCallID string) (int, error) {
	row := db.queryRow(ctx, `SELECT COUNT(*) FROM retry_attempts WHERE original_call_id = ?`, originalCallID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count retry attempts: %w", err)
	}
	return n, nil
}

func scanRetryAttempt(row *sql.Row) (*calltypes.RetryAttempt, error) {
	var a calltypes.RetryAttempt
	var dueAt, status, failureReason, createdAt string

	err := row.Scan(&a.ID, &a.OriginalCallID, &a.RetryCallID, &a.AttemptNumber, &dueAt, &status, &failureReason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan retry attempt: %w", err)
	}

	a.DueAt = strToTime(dueAt)
	a.Status = calltypes.RetryStatus(status)
	a.FailureReason = calltypes.FailureReason(failureReason)
	a.CreatedAt = strToTime(createdAt)
	return &a, nil
}
