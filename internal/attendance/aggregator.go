// Package attendance stores participant responses and keeps the derived
// counts on the session row in step with them.
package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

const maxNoteLen = 500

// Notifier records a notification intent inside the caller's transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx store.Tx, typ string, payload any, sessionID *int64) error
}

type Aggregator struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

func New(st store.Store, notifier Notifier, opts ...Option) *Aggregator {
	a := &Aggregator{store: st, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Extra carries the optional parts of a response.
type Extra struct {
	CharacterID  *int64 `json:"character_id"`
	LateMinutes  *int   `json:"late_minutes"`
	EarlyMinutes *int   `json:"early_minutes"`
	Note         string `json:"note"`
}

func (e Extra) validate() error {
	var v session.ValidationError
	if e.LateMinutes != nil && *e.LateMinutes < 0 {
		v.Add("late_minutes", "must not be negative")
	}
	if e.EarlyMinutes != nil && *e.EarlyMinutes < 0 {
		v.Add("early_minutes", "must not be negative")
	}
	if len(e.Note) > maxNoteLen {
		v.Add("note", fmt.Sprintf("must be at most %d bytes", maxNoteLen))
	}
	return v.Err()
}

type Result struct {
	Record store.Attendance `json:"record"`
	Counts session.Counts   `json:"counts"`
}

// RecordResponse upserts the participant's response, rewrites the session's
// counts and queues an update, all in one transaction. raw is normalized with
// session.ParseResponse.
func (a *Aggregator) RecordResponse(ctx context.Context, sessionID int64, p store.Participant, raw string, extra Extra) (Result, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Result{}, &session.ValidationError{FieldErrors: map[string]string{"participant": "is required"}}
	}
	if err := extra.validate(); err != nil {
		return Result{}, err
	}
	resp := session.ParseResponse(raw)

	var res Result
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockAttendable(ctx, tx, sessionID); err != nil {
			return err
		}
		now := a.now()
		p.UpdatedAt = now
		if err := tx.UpsertParticipant(ctx, p); err != nil {
			return err
		}
		rec := store.Attendance{
			SessionID:     sessionID,
			ParticipantID: p.ID,
			CharacterID:   extra.CharacterID,
			Response:      resp,
			LateMinutes:   extra.LateMinutes,
			EarlyMinutes:  extra.EarlyMinutes,
			Note:          extra.Note,
			UpdatedAt:     now,
		}
		if err := tx.UpsertAttendance(ctx, &rec); err != nil {
			return err
		}
		counts, err := a.recount(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		res = Result{Record: rec, Counts: counts}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("record response for session %d: %w", sessionID, err)
	}
	logging.FromContext(ctx, a.logger).Debug("attendance: response recorded",
		"session_id", sessionID, "participant", p.ID, "response", resp)
	return res, nil
}

// RemoveResponse deletes the participant's record. removed is false when there
// was nothing to delete.
func (a *Aggregator) RemoveResponse(ctx context.Context, sessionID int64, participantID string) (counts session.Counts, removed bool, err error) {
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := lockAttendable(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		removed, err = tx.DeleteAttendance(ctx, sessionID, participantID)
		if err != nil {
			return err
		}
		if !removed {
			counts = sess.Counts
			return nil
		}
		counts, err = a.recount(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return session.Counts{}, false, fmt.Errorf("remove response for session %d: %w", sessionID, err)
	}
	return counts, removed, nil
}

// ConfirmedCount counts participants whose response counts toward the minimum.
func (a *Aggregator) ConfirmedCount(ctx context.Context, tx store.Tx, sessionID int64) (int, error) {
	c, err := tally(ctx, tx, sessionID)
	if err != nil {
		return 0, err
	}
	return c.Confirmed(), nil
}

// Counts returns the stored counts of a session.
func (a *Aggregator) Counts(ctx context.Context, sessionID int64) (session.Counts, error) {
	var c session.Counts
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		c = sess.Counts
		return nil
	})
	return c, err
}

// Records returns the session's responses.
func (a *Aggregator) Records(ctx context.Context, sessionID int64) ([]store.Attendance, error) {
	var out []store.Attendance
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListAttendance(ctx, sessionID)
		return err
	})
	return out, err
}

func lockAttendable(ctx context.Context, tx store.Tx, sessionID int64) (*store.Session, error) {
	sess, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTemplate {
		return nil, session.ErrTemplateNotAttendable
	}
	if !sess.Status.Open() {
		return nil, session.ErrSessionClosed
	}
	return sess, nil
}

// recount is the only writer of the session's count columns.
func (a *Aggregator) recount(ctx context.Context, tx store.Tx, sessionID int64) (session.Counts, error) {
	counts, err := tally(ctx, tx, sessionID)
	if err != nil {
		return counts, err
	}
	if err := tx.SetCounts(ctx, sessionID, counts); err != nil {
		return counts, err
	}
	if err := a.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sessionID}, &sessionID); err != nil {
		return counts, err
	}
	return counts, nil
}

func tally(ctx context.Context, tx store.Tx, sessionID int64) (session.Counts, error) {
	records, err := tx.ListAttendance(ctx, sessionID)
	if err != nil {
		return session.Counts{}, err
	}
	var c session.Counts
	for _, r := range records {
		c.Add(r.Response)
	}
	return c, nil
}
