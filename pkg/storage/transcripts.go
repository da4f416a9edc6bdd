package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plexusone/agentcomms/pkg/calltypes"
)

// Defaults for transcript batching (§4.8): a session's turns are buffered
// in memory and flushed together in one transaction, either when the
// batch fills or on a timer, rather than one commit per turn.
const (
	DefaultBatchSize     = 5
	DefaultBatchInterval = 10 * time.Second
)

// transcriptBuffer batches TranscriptTurn writes per call. Each call gets
// its own pending slice and timer so one slow call's flush never blocks
// another's Append, and flushes for a given call are serialized by its
// own mutex rather than a global lock.
type transcriptBuffer struct {
	db            *DB
	batchSize     int
	batchInterval time.Duration

	mu      sync.Mutex
	pending map[string]*callBuffer
}

type callBuffer struct {
	mu    sync.Mutex
	turns []calltypes.TranscriptTurn
	timer *time.Timer
}

func newTranscriptBuffer(db *DB, batchSize int, batchInterval time.Duration) *transcriptBuffer {
	return &transcriptBuffer{
		db:            db,
		batchSize:     batchSize,
		batchInterval: batchInterval,
		pending:       make(map[string]*callBuffer),
	}
}

// Append implements session.TranscriptSink: queues a turn, flushing
// immediately if the per-call batch is full.
func (tb *transcriptBuffer) Append(ctx context.Context, turn calltypes.TranscriptTurn) error {
	cb := tb.callBufferFor(turn.CallID)

	cb.mu.Lock()
	cb.turns = append(cb.turns, turn)
	full := len(cb.turns) >= tb.batchSize
	if !full && cb.timer == nil {
		cb.timer = time.AfterFunc(tb.batchInterval, func() { tb.flushTimer(turn.CallID) })
	}
	cb.mu.Unlock()

	if full {
		return tb.flush(ctx, turn.CallID)
	}
	return nil
}

// Flush implements session.TranscriptSink: forces out any buffered turns
// for callID, used when a session ends so nothing is left stranded.
func (tb *transcriptBuffer) Flush(ctx context.Context, callID string) error {
	return tb.flush(ctx, callID)
}

func (tb *transcriptBuffer) callBufferFor(callID string) *callBuffer {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	cb, ok := tb.pending[callID]
	if !ok {
		cb = &callBuffer{}
		tb.pending[callID] = cb
	}
	return cb
}

func (tb *transcriptBuffer) flushTimer(callID string) {
	_ = tb.flush(context.Background(), callID)
}

func (tb *transcriptBuffer) flush(ctx context.Context, callID string) error {
	cb := tb.callBufferFor(callID)

	// Held through the write so two flushes of the same call never
	// interleave their inserts.
	cb.mu.Lock()
	defer cb.mu.Unlock()
	turns := cb.turns
	cb.turns = nil
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}

	if len(turns) == 0 {
		return nil
	}

	tx, err := tb.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript flush tx: %w", err)
	}
	for _, turn := range turns {
		query := tb.db.rebind(`INSERT INTO transcript_turns (call_id, speaker, text, ts) VALUES (?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query, turn.CallID, string(turn.Speaker), turn.Text, timeToStr(turn.Timestamp)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert transcript turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript flush tx: %w", err)
	}
	return nil
}

// flushAll drains every call's buffer, used on Close so no turns are lost
// on shutdown.
func (tb *transcriptBuffer) flushAll(ctx context.Context) {
	tb.mu.Lock()
	ids := make([]string, 0, len(tb.pending))
	for id := range tb.pending {
		ids = append(ids, id)
	}
	tb.mu.Unlock()

	for _, id := range ids {
		_ = tb.flush(ctx, id)
	}
}

// transcriptTurns loads the full, ordered transcript for a call.
func (db *DB) transcriptTurns(ctx context.Context, callID string) ([]calltypes.TranscriptTurn, error) {
	if err := db.transcripts.Flush(ctx, callID); err != nil {
		return nil, fmt.Errorf("flush pending transcript turns: %w", err)
	}

	rows, err := db.query(ctx, `SELECT call_id, speaker, text, ts FROM transcript_turns WHERE call_id = ? ORDER BY ts ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("query transcript turns: %w", err)
	}
	defer rows.Close()

	var turns []calltypes.TranscriptTurn
	for rows.Next() {
		var t calltypes.TranscriptTurn
		var speaker, ts string
		if err := rows.Scan(&t.CallID, &speaker, &t.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan transcript turn: %w", err)
		}
		t.Speaker = calltypes.Speaker(speaker)
		t.Timestamp = strToTime(ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
