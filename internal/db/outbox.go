package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/susu3304/sessionbot/internal/store"
)

const outboxColumns = `id, type, payload, session_id, status, retry_count, last_attempt_at, last_error, created_at, sent_at`

func scanOutbox(row pgx.CollectableRow) (store.OutboxMessage, error) {
	var (
		m       store.OutboxMessage
		status  string
		payload []byte
	)
	err := row.Scan(&m.ID, &m.Type, &payload, &m.SessionID, &status, &m.RetryCount, &m.LastAttemptAt, &m.LastError, &m.CreatedAt, &m.SentAt)
	m.Status = store.OutboxStatus(status)
	m.Payload = payload
	return m, err
}

func (t *tx) EnqueueOutbox(ctx context.Context, m *store.OutboxMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = store.OutboxPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO outbox (id, type, payload, session_id, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Type, string(m.Payload), m.SessionID, string(m.Status), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("outbox %s: %w", m.ID, store.ErrConflict)
	}
	return err
}

// ClaimOutbox skips rows another drainer has locked, so concurrent drains in
// separate processes never claim the same message.
func (t *tx) ClaimOutbox(ctx context.Context, c store.OutboxClaim) ([]store.OutboxMessage, error) {
	var stale, limit any
	if c.StaleAfter > 0 {
		stale = c.Now.Add(-c.StaleAfter)
	}
	if c.Limit > 0 {
		limit = c.Limit
	}
	rows, err := t.q.Query(ctx,
		`UPDATE outbox SET status = 'processing', last_attempt_at = $1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE retry_count < $4 AND (
				(status IN ('pending', 'failed') AND (last_attempt_at IS NULL OR last_attempt_at < $2))
				OR (status = 'processing' AND $3::timestamptz IS NOT NULL AND last_attempt_at < $3))
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING `+outboxColumns,
		c.Now, c.Now.Add(-c.Cooldown), stale, c.MaxRetries, limit,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := pgx.CollectRows(rows, scanOutbox)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (t *tx) MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	ct, err := t.q.Exec(ctx, `UPDATE outbox SET status = 'sent', sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) MarkOutboxFailed(ctx context.Context, id uuid.UUID, at time.Time, lastError string) (int, error) {
	var retries int
	err := t.q.QueryRow(ctx,
		`UPDATE outbox SET status = 'failed', retry_count = retry_count + 1, last_error = $3, last_attempt_at = $2
		WHERE id = $1 RETURNING retry_count`,
		id, at, lastError,
	).Scan(&retries)
	if err != nil {
		return 0, notFound(err, "outbox", id)
	}
	return retries, nil
}

func (t *tx) PurgeSentOutbox(ctx context.Context, before time.Time) (int64, error) {
	ct, err := t.q.Exec(ctx, `DELETE FROM outbox WHERE status = 'sent' AND sent_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *tx) VoidOutbox(ctx context.Context, sessionID int64) (int64, error) {
	ct, err := t.q.Exec(ctx,
		`DELETE FROM outbox WHERE session_id = $1 AND status IN ('pending', 'failed')`,
		sessionID,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *tx) ListOutbox(ctx context.Context, q store.OutboxQuery) ([]store.OutboxMessage, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := t.q.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		WHERE ($1 = '' OR status = $1) AND retry_count >= $2
		ORDER BY created_at
		LIMIT $3`,
		string(q.Status), q.MinRetries, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanOutbox)
}
