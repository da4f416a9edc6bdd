package storage

// schemaStatements returns the DDL for every table and index the
// persistence contract requires (§8). The same statements run against
// both dialects; every table uses a TEXT primary key, so no
// autoincrement/serial spelling is needed.
func schemaStatements(dialect Dialect) []string {
	idType := "TEXT PRIMARY KEY"

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id ` + idType + `,
			direction TEXT NOT NULL,
			phone TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			sub_status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			scheduled_for TEXT,
			initiated_at TEXT,
			started_at TEXT,
			ended_at TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_of TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			provider_call_id TEXT NOT NULL DEFAULT '',
			recording_url TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_provider_call_id ON calls(provider_call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_agent_id ON calls(agent_id)`,

		`CREATE TABLE IF NOT EXISTS transcript_turns (
			call_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_turns_call_ts ON transcript_turns(call_id, ts)`,

		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id ` + idType + `,
			call_id TEXT NOT NULL,
			due_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL,
			business_hours_json TEXT,
			recurrence_json TEXT,
			next_run TEXT,
			processed_at TEXT,
			created_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			retry_attempt_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(status, due_at)`,

		`CREATE TABLE IF NOT EXISTS retry_attempts (
			id ` + idType + `,
			original_call_id TEXT NOT NULL,
			retry_call_id TEXT NOT NULL DEFAULT '',
			attempt_number INTEGER NOT NULL,
			due_at TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_attempts_original_call ON retry_attempts(original_call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_attempts_status ON retry_attempts(status)`,

		`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
			id ` + idType + `,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	if dialect == DialectPostgres {
		// lib/pq has no IF NOT EXISTS quirks beyond what's already
		// standard SQL here, so the statement list is identical; kept as
		// a branch point for future dialect-specific DDL (e.g. JSONB).
		return stmts
	}
	return stmts
}
