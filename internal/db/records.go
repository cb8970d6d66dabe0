package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

func (t *tx) UpsertAttendance(ctx context.Context, a *store.Attendance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO attendance (session_id, participant_id, character_id, response, late_minutes, early_minutes, note, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, participant_id) DO UPDATE SET
			character_id = EXCLUDED.character_id,
			response = EXCLUDED.response,
			late_minutes = EXCLUDED.late_minutes,
			early_minutes = EXCLUDED.early_minutes,
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at`,
		a.SessionID, a.ParticipantID, a.CharacterID, string(a.Response), a.LateMinutes, a.EarlyMinutes, a.Note, a.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("session %d: %w", a.SessionID, store.ErrNotFound)
	}
	return err
}

func (t *tx) DeleteAttendance(ctx context.Context, sessionID int64, participantID string) (bool, error) {
	ct, err := t.q.Exec(ctx,
		`DELETE FROM attendance WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (t *tx) ListAttendance(ctx context.Context, sessionID int64) ([]store.Attendance, error) {
	rows, err := t.q.Query(ctx,
		`SELECT session_id, participant_id, character_id, response, late_minutes, early_minutes, note, updated_at
		FROM attendance WHERE session_id = $1 ORDER BY participant_id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Attendance, error) {
		var (
			a        store.Attendance
			response string
		)
		err := row.Scan(&a.SessionID, &a.ParticipantID, &a.CharacterID, &response, &a.LateMinutes, &a.EarlyMinutes, &a.Note, &a.UpdatedAt)
		a.Response = session.Response(response)
		return a, err
	})
}

func (t *tx) UpsertParticipant(ctx context.Context, p store.Participant) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO participants (id, display_name, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name = '' THEN participants.display_name ELSE EXCLUDED.display_name END,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.DisplayName, p.UpdatedAt,
	)
	return err
}

func (t *tx) ListParticipants(ctx context.Context) ([]store.Participant, error) {
	rows, err := t.q.Query(ctx, `SELECT id, display_name, updated_at FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Participant, error) {
		var p store.Participant
		err := row.Scan(&p.ID, &p.DisplayName, &p.UpdatedAt)
		return p, err
	})
}

func (t *tx) InsertReminder(ctx context.Context, r *store.Reminder) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO reminders (session_id, kind, audience, send_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		r.SessionID, string(r.Kind), string(r.Audience), r.SendAt,
	).Scan(&r.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("session %d: %w", r.SessionID, store.ErrNotFound)
	}
	return err
}

func (t *tx) DueReminders(ctx context.Context, now time.Time) ([]store.Reminder, error) {
	rows, err := t.q.Query(ctx,
		`SELECT r.id, r.session_id, r.kind, r.audience, r.send_at, r.sent, r.sent_at
		FROM reminders r JOIN sessions s ON s.id = r.session_id
		WHERE NOT r.sent AND r.send_at <= $1
			AND NOT s.is_template AND s.status IN ('scheduled', 'confirmed') AND s.start_at > $1
		ORDER BY r.send_at, r.id`,
		now,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Reminder, error) {
		var (
			r              store.Reminder
			kind, audience string
		)
		err := row.Scan(&r.ID, &r.SessionID, &kind, &audience, &r.SendAt, &r.Sent, &r.SentAt)
		r.Kind = store.ReminderKind(kind)
		r.Audience = store.Audience(audience)
		return r, err
	})
}

// MarkReminderSent is a compare-and-set on the sent flag. A concurrent
// caller blocks on the row and then sees sent = TRUE.
func (t *tx) MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	ct, err := t.q.Exec(ctx,
		`UPDATE reminders SET sent = TRUE, sent_at = $2 WHERE id = $1 AND NOT sent`,
		id, at,
	)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("reminder %d: %w", id, store.ErrNotFound)
	}
	return false, nil
}

func (t *tx) VoidReminders(ctx context.Context, sessionID int64, at time.Time) (int64, error) {
	ct, err := t.q.Exec(ctx,
		`UPDATE reminders SET sent = TRUE, sent_at = $2 WHERE session_id = $1 AND NOT sent`,
		sessionID, at,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *tx) InsertCompletion(ctx context.Context, c store.Completion) (bool, error) {
	attendees := c.Attendees
	if attendees == nil {
		attendees = []string{}
	}
	ct, err := t.q.Exec(ctx,
		`INSERT INTO completions (session_id, counts, attendees, completed_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		c.SessionID, c.Counts, attendees, c.CompletedAt,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) GetCompletion(ctx context.Context, sessionID int64) (*store.Completion, error) {
	var c store.Completion
	err := t.q.QueryRow(ctx,
		`SELECT session_id, counts, attendees, completed_at FROM completions WHERE session_id = $1`,
		sessionID,
	).Scan(&c.SessionID, &c.Counts, &c.Attendees, &c.CompletedAt)
	if err != nil {
		return nil, notFound(err, "completion", sessionID)
	}
	return &c, nil
}

func (t *tx) InsertTaskAssignment(ctx context.Context, a store.TaskAssignment) (bool, error) {
	ct, err := t.q.Exec(ctx,
		`INSERT INTO task_assignments (session_id, assignments, attendee_count, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		a.SessionID, a.Assignments, a.AttendeeCount, a.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) GetTaskAssignment(ctx context.Context, sessionID int64) (*store.TaskAssignment, error) {
	var a store.TaskAssignment
	err := t.q.QueryRow(ctx,
		`SELECT session_id, assignments, attendee_count, created_at FROM task_assignments WHERE session_id = $1`,
		sessionID,
	).Scan(&a.SessionID, &a.Assignments, &a.AttendeeCount, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "tasks", sessionID)
	}
	return &a, nil
}
