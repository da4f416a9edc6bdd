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

// CreateCall inserts a new Call record.
func (db *DB) CreateCall(ctx context.Context, call *calltypes.Call) error {
	metaJSON, err := json.Marshal(call.Metadata)
	if err != nil {
		return fmt.Errorf("marshal call metadata: %w", err)
	}
	_, err = db.exec(ctx, `
		INSERT INTO calls (id, direction, phone, agent_id, status, sub_status, created_at,
			scheduled_for, initiated_at, started_at, ended_at, duration_ns, retry_count,
			retry_of, failure_reason, provider_call_id, recording_url, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, string(call.Direction), call.Phone, call.AgentID, string(call.Status), string(call.SubStatus),
		timeToStr(call.CreatedAt), nullTimeToStr(call.ScheduledFor), nullTimeToStr(call.InitiatedAt),
		nullTimeToStr(call.StartedAt), nullTimeToStr(call.EndedAt), call.Duration.Nanoseconds(), call.RetryCount,
		call.RetryOf, string(call.FailureReason), call.ProviderCallID, call.RecordingURL, string(metaJSON),
	)
	return err
}

// UpdateCall persists every mutable field of an existing Call.
func (db *DB) UpdateCall(ctx context.Context, call *calltypes.Call) error {
	metaJSON, err := json.Marshal(call.Metadata)
	if err != nil {
		return fmt.Errorf("marshal call metadata: %w", err)
	}
	_, err = db.exec(ctx, `
		UPDATE calls SET status = ?, sub_status = ?, scheduled_for = ?, initiated_at = ?,
			started_at = ?, ended_at = ?, duration_ns = ?, retry_count = ?, failure_reason = ?,
			provider_call_id = ?, recording_url = ?, metadata_json = ?
		WHERE id = ?`,
		string(call.Status), string(call.SubStatus), nullTimeToStr(call.ScheduledFor), nullTimeToStr(call.InitiatedAt),
		nullTimeToStr(call.StartedAt), nullTimeToStr(call.EndedAt), call.Duration.Nanoseconds(), call.RetryCount,
		string(call.FailureReason), call.ProviderCallID, call.RecordingURL, string(metaJSON), call.ID,
	)
	return err
}

// GetCall loads a Call by ID, including its transcript.
func (db *DB) GetCall(ctx context.Context, id string) (*calltypes.Call, error) {
	row := db.queryRow(ctx, `
		SELECT id, direction, phone, agent_id, status, sub_status, created_at, scheduled_for,
			initiated_at, started_at, ended_at, duration_ns, retry_count, retry_of,
			failure_reason, provider_call_id, recording_url, metadata_json
		FROM calls WHERE id = ?`, id)
	call, err := scanCall(row)
	if err != nil {
		return nil, err
	}
	turns, err := db.transcriptTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	call.Transcript = turns
	return call, nil
}

// FindByProviderCallID looks a Call up by the telephony provider's own
// call identifier, the webhook dispatcher's primary lookup (§4.9).
func (db *DB) FindByProviderCallID(ctx context.Context, providerCallID string) (*calltypes.Call, error) {
	row := db.queryRow(ctx, `
		SELECT id, direction, phone, agent_id, status, sub_status, created_at, scheduled_for,
			initiated_at, started_at, ended_at, duration_ns, retry_count, retry_of,
			failure_reason, provider_call_id, recording_url, metadata_json
		FROM calls WHERE provider_call_id = ?`, providerCallID)
	return scanCall(row)
}

func scanCall(row *sql.Row) (*calltypes.Call, error) {
	var c calltypes.Call
	var direction, status, subStatus, createdAt string
	var scheduledFor, initiatedAt, startedAt, endedAt sql.NullString
	var durationNs int64
	var metaJSON string

	err := row.Scan(&c.ID, &direction, &c.Phone, &c.AgentID, &status, &subStatus, &createdAt,
		&scheduledFor, &initiatedAt, &startedAt, &endedAt, &durationNs, &c.RetryCount, &c.RetryOf,
		&c.FailureReason, &c.ProviderCallID, &c.RecordingURL, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}

	c.Direction = calltypes.Direction(direction)
	c.Status = calltypes.Status(status)
	c.SubStatus = calltypes.SubStatus(subStatus)
	c.CreatedAt = strToTime(createdAt)
	c.ScheduledFor = strToNullTime(scheduledFor)
	c.InitiatedAt = strToNullTime(initiatedAt)
	c.StartedAt = strToNullTime(startedAt)
	c.EndedAt = strToNullTime(endedAt)
	c.Duration = time.Duration(durationNs)

	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal call metadata: %w", err)
		}
	}
	return &c, nil
}

// MarkStarted implements session.CallRecorder: records when the call
// entered the connected/in-progress state.
func (db *DB) MarkStarted(ctx context.Context, callID string, at time.Time) error {
	_, err := db.exec(ctx, `UPDATE calls SET status = ?, sub_status = ?, started_at = ? WHERE id = ?`,
		string(calltypes.StatusInProgress), string(calltypes.SubStatusConnected), timeToStr(at), callID)
	return err
}

// MarkEnded implements session.CallRecorder: records the terminal status,
// reason, and duration once a session closes.
func (db *DB) MarkEnded(ctx context.Context, callID string, at time.Time, status calltypes.Status, reason calltypes.FailureReason) error {
	call, err := db.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call before marking ended: %w", err)
	}
	call.Status = status
	call.FailureReason = reason
	call.EndedAt = &at
	call.ApplyDuration()
	return db.UpdateCall(ctx, call)
}
