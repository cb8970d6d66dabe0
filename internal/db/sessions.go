package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

const sessionColumns = `id, title, description, start_at, end_at, min_players, max_players, status,
	announce_hours, reminder_hours, confirm_hours, auto_cancel_hours, channel_id, message_id,
	is_template, recurrence, parent_id, cancel_reason, announce_queued_at, confirmed_at,
	cancelled_at, completed_at, counts, created_at, updated_at`

// openAndUpcoming is shared by the due queries. $1 is now.
const openAndUpcoming = `NOT is_template AND status IN ('scheduled', 'confirmed') AND start_at > $1`

func scanSession(row pgx.Row) (store.Session, error) {
	var (
		s      store.Session
		status string
	)
	err := row.Scan(
		&s.ID, &s.Title, &s.Description, &s.Start, &s.End, &s.MinPlayers, &s.MaxPlayers, &status,
		&s.Offsets.AnnounceHours, &s.Offsets.ReminderHours, &s.Offsets.ConfirmHours, &s.Offsets.AutoCancelHours,
		&s.ChannelID, &s.MessageID, &s.IsTemplate, &s.Recurrence, &s.ParentID, &s.CancelReason,
		&s.AnnounceQueuedAt, &s.ConfirmedAt, &s.CancelledAt, &s.CompletedAt, &s.Counts,
		&s.CreatedAt, &s.UpdatedAt,
	)
	s.Status = session.Status(status)
	return s, err
}

func (t *tx) querySessions(ctx context.Context, sql string, args ...any) ([]store.Session, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Session, error) {
		return scanSession(row)
	})
}

func (t *tx) InsertSession(ctx context.Context, s *store.Session) error {
	if s.Status == "" {
		s.Status = session.StatusScheduled
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return t.q.QueryRow(ctx,
		`INSERT INTO sessions (title, description, start_at, end_at, min_players, max_players, status,
			announce_hours, reminder_hours, confirm_hours, auto_cancel_hours, channel_id, message_id,
			is_template, recurrence, parent_id, counts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`,
		s.Title, s.Description, s.Start, s.End, s.MinPlayers, s.MaxPlayers, string(s.Status),
		s.Offsets.AnnounceHours, s.Offsets.ReminderHours, s.Offsets.ConfirmHours, s.Offsets.AutoCancelHours,
		s.ChannelID, s.MessageID, s.IsTemplate, s.Recurrence, s.ParentID, s.Counts, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
}

func (t *tx) GetSession(ctx context.Context, id int64) (*store.Session, error) {
	s, err := scanSession(t.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return &s, nil
}

func (t *tx) LockSession(ctx context.Context, id int64) (*store.Session, error) {
	s, err := scanSession(t.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return &s, nil
}

func (t *tx) UpdateSession(ctx context.Context, s *store.Session) error {
	ct, err := t.q.Exec(ctx,
		`UPDATE sessions SET title = $2, description = $3, start_at = $4, end_at = $5,
			min_players = $6, max_players = $7, announce_hours = $8, reminder_hours = $9,
			confirm_hours = $10, auto_cancel_hours = $11, recurrence = $12, updated_at = $13
		WHERE id = $1`,
		s.ID, s.Title, s.Description, s.Start, s.End, s.MinPlayers, s.MaxPlayers,
		s.Offsets.AnnounceHours, s.Offsets.ReminderHours, s.Offsets.ConfirmHours, s.Offsets.AutoCancelHours,
		s.Recurrence, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", s.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteSession relies on the foreign keys: dependent records cascade,
// instances and outbox rows keep existing with a null reference.
func (t *tx) DeleteSession(ctx context.Context, id int64) error {
	ct, err := t.q.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) ListSessions(ctx context.Context, q store.SessionQuery) ([]store.Session, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE is_template = $1
			AND (cardinality($2::text[]) = 0 OR status = ANY($2))
			AND ($3::bigint IS NULL OR parent_id = $3)
			AND ($4::timestamptz IS NULL OR start_at > $4)
		ORDER BY start_at, id
		LIMIT $5`,
		q.Templates, statusStrings(q.Statuses), q.ParentID, q.StartAfter, limit,
	)
}

func statusStrings(statuses []session.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (t *tx) SetStatus(ctx context.Context, id int64, from []session.Status, to session.Status, change store.StatusChange) (bool, error) {
	ct, err := t.q.Exec(ctx,
		`UPDATE sessions SET status = $3, updated_at = $4,
			confirmed_at = CASE WHEN $3 = 'confirmed' THEN $4 ELSE confirmed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END,
			cancel_reason = CASE WHEN $3 = 'cancelled' THEN $5 ELSE cancel_reason END
		WHERE id = $1 AND status = ANY($2)`,
		id, statusStrings(from), string(to), change.At, change.Reason,
	)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.exists(ctx, id)
}

func (t *tx) exists(ctx context.Context, id int64) error {
	var ok bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) MarkAnnounceQueued(ctx context.Context, id int64, at time.Time) (bool, error) {
	ct, err := t.q.Exec(ctx,
		`UPDATE sessions SET announce_queued_at = $2 WHERE id = $1 AND announce_queued_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.exists(ctx, id)
}

func (t *tx) SetMessageRef(ctx context.Context, id int64, channelID, messageID string) error {
	ct, err := t.q.Exec(ctx,
		`UPDATE sessions SET channel_id = $2, message_id = $3 WHERE id = $1`,
		id, channelID, messageID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) SetCounts(ctx context.Context, id int64, counts session.Counts) error {
	ct, err := t.q.Exec(ctx, `UPDATE sessions SET counts = $2 WHERE id = $1`, id, counts)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) DueAnnouncements(ctx context.Context, now time.Time) ([]store.Session, error) {
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE `+openAndUpcoming+`
			AND message_id = '' AND announce_queued_at IS NULL
			AND start_at - make_interval(hours => announce_hours) <= $1
		ORDER BY start_at, id`, now)
}

func (t *tx) DueConfirmations(ctx context.Context, now time.Time) ([]store.Session, error) {
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE `+openAndUpcoming+` AND status = 'scheduled'
			AND start_at - make_interval(hours => confirm_hours) <= $1
		ORDER BY start_at, id`, now)
}

func (t *tx) DueAutoCancels(ctx context.Context, now time.Time) ([]store.Session, error) {
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE `+openAndUpcoming+`
			AND start_at - make_interval(hours => auto_cancel_hours) <= $1
		ORDER BY start_at, id`, now)
}

func (t *tx) DueCompletions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE NOT is_template AND status IN ('scheduled', 'confirmed') AND start_at < $1
		ORDER BY start_at, id`, cutoff)
}

func (t *tx) DueTaskGeneration(ctx context.Context, now, horizon time.Time) ([]store.Session, error) {
	return t.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions s
		WHERE NOT is_template AND status = 'confirmed' AND start_at > $1 AND start_at <= $2
			AND NOT EXISTS (SELECT 1 FROM task_assignments ta WHERE ta.session_id = s.id)
		ORDER BY start_at, id`, now, horizon)
}

func (t *tx) LastInstance(ctx context.Context, templateID int64) (*store.Session, error) {
	s, err := scanSession(t.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE parent_id = $1 ORDER BY start_at DESC, id DESC LIMIT 1`,
		templateID,
	))
	if err != nil {
		return nil, notFound(err, "instances of", templateID)
	}
	return &s, nil
}

func (t *tx) CountInstances(ctx context.Context, templateID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE parent_id = $1`, templateID).Scan(&n)
	return n, err
}
