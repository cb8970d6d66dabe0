package db

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		min_players INT NOT NULL,
		max_players INT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled'
			CHECK (status IN ('scheduled', 'confirmed', 'cancelled', 'completed')),
		announce_hours INT NOT NULL,
		reminder_hours INT NOT NULL,
		confirm_hours INT NOT NULL,
		auto_cancel_hours INT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		is_template BOOLEAN NOT NULL DEFAULT FALSE,
		recurrence JSONB,
		parent_id BIGINT REFERENCES sessions(id) ON DELETE SET NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		announce_queued_at TIMESTAMPTZ,
		confirmed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		counts JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (end_at > start_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_open_start ON sessions(start_at)
		WHERE NOT is_template AND status IN ('scheduled', 'confirmed')`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id, start_at)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS attendance (
		session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		participant_id TEXT NOT NULL,
		character_id BIGINT,
		response TEXT NOT NULL
			CHECK (response IN ('yes', 'no', 'maybe', 'late', 'early', 'late_and_early')),
		late_minutes INT,
		early_minutes INT,
		note TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, participant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS reminders (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		audience TEXT NOT NULL,
		send_at TIMESTAMPTZ NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(send_at) WHERE NOT sent`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		session_id BIGINT REFERENCES sessions(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'sent', 'failed')),
		retry_count INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		sent_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_deliverable ON outbox(created_at)
		WHERE status IN ('pending', 'processing', 'failed')`,

	`CREATE TABLE IF NOT EXISTS completions (
		session_id BIGINT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		counts JSONB NOT NULL,
		attendees TEXT[] NOT NULL DEFAULT '{}',
		completed_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_assignments (
		session_id BIGINT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		assignments JSONB NOT NULL,
		attendee_count INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}
