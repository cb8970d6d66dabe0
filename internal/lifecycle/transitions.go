package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

// Outcome describes what a guarded transition did.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeAnnounced Outcome = "announced"
	OutcomeUpdated   Outcome = "updated"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeCompleted Outcome = "completed"
)

const defaultCancelReason = "Cancelled by the DM"

// InsufficientPlayersReason is recorded when the confirmation check fails.
func InsufficientPlayersReason(confirmed, minimum int) string {
	return fmt.Sprintf("Insufficient confirmed players: %d of %d minimum required", confirmed, minimum)
}

// AutoCancelReason is recorded by the auto-cancel sweep.
func AutoCancelReason(confirmed, minimum int) string {
	return fmt.Sprintf("Automatic cancellation: %d of %d minimum players confirmed", confirmed, minimum)
}

// guarded runs fn on the locked session when it is an open, attendable session.
func (s *Service) guarded(ctx context.Context, id int64, fn func(tx store.Tx, sess *store.Session, now time.Time) (Outcome, error)) (Outcome, error) {
	outcome := OutcomeNone
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.IsTemplate || !sess.Status.Open() {
			return nil
		}
		outcome, err = fn(tx, sess, s.now())
		return err
	})
	if err != nil {
		return OutcomeNone, err
	}
	return outcome, nil
}

// Announce queues the announcement once the announce offset is reached. An
// already announced session gets an update instead.
func (s *Service) Announce(ctx context.Context, id int64) (Outcome, error) {
	return s.guarded(ctx, id, func(tx store.Tx, sess *store.Session, now time.Time) (Outcome, error) {
		if sess.Offsets.AnnounceAt(sess.Start).After(now) || !sess.Start.After(now) {
			return OutcomeNone, nil
		}
		return s.queueAnnounce(ctx, tx, sess, now)
	})
}

func (s *Service) queueAnnounce(ctx context.Context, tx store.Tx, sess *store.Session, now time.Time) (Outcome, error) {
	if sess.Announced() {
		if err := s.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
			return OutcomeNone, err
		}
		return OutcomeUpdated, nil
	}
	ok, err := tx.MarkAnnounceQueued(ctx, sess.ID, now)
	if err != nil || !ok {
		return OutcomeNone, err
	}
	queued := now
	sess.AnnounceQueuedAt = &queued
	if err := s.notifier.Enqueue(ctx, tx, outbox.TypeAnnounce, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
		return OutcomeNone, err
	}
	return OutcomeAnnounced, nil
}

// EvaluateConfirmation confirms or cancels a scheduled session once the
// confirm offset is reached.
func (s *Service) EvaluateConfirmation(ctx context.Context, id int64) (Outcome, error) {
	return s.guarded(ctx, id, func(tx store.Tx, sess *store.Session, now time.Time) (Outcome, error) {
		if sess.Status != session.StatusScheduled {
			return OutcomeNone, nil
		}
		if sess.Offsets.ConfirmAt(sess.Start).After(now) || !sess.Start.After(now) {
			return OutcomeNone, nil
		}
		count, err := s.attendance.ConfirmedCount(ctx, tx, sess.ID)
		if err != nil {
			return OutcomeNone, err
		}
		if count < sess.MinPlayers {
			return s.cancel(ctx, tx, sess, InsufficientPlayersReason(count, sess.MinPlayers), now)
		}
		ok, err := tx.SetStatus(ctx, sess.ID, []session.Status{session.StatusScheduled}, session.StatusConfirmed, store.StatusChange{At: now})
		if err != nil || !ok {
			return OutcomeNone, err
		}
		if err := s.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
			return OutcomeNone, err
		}
		logging.FromContext(ctx, s.logger).Info("lifecycle: session confirmed", "session_id", sess.ID, "confirmed", count)
		return OutcomeConfirmed, nil
	})
}

// AutoCancel cancels an open session inside its auto-cancel window that has
// fallen below the minimum.
func (s *Service) AutoCancel(ctx context.Context, id int64) (Outcome, error) {
	return s.guarded(ctx, id, func(tx store.Tx, sess *store.Session, now time.Time) (Outcome, error) {
		if sess.Offsets.AutoCancelAt(sess.Start).After(now) || !sess.Start.After(now) {
			return OutcomeNone, nil
		}
		count, err := s.attendance.ConfirmedCount(ctx, tx, sess.ID)
		if err != nil {
			return OutcomeNone, err
		}
		if count >= sess.MinPlayers {
			return OutcomeNone, nil
		}
		return s.cancel(ctx, tx, sess, AutoCancelReason(count, sess.MinPlayers), now)
	})
}

// Cancel is the manual cancellation. It ignores timing and count guards.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (*store.Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	var out *store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.IsTemplate {
			return fmt.Errorf("%w: templates are removed through their series", session.ErrInvalidTransition)
		}
		if err := session.CheckTransition(sess.Status, session.StatusCancelled); err != nil {
			return err
		}
		if _, err := s.cancel(ctx, tx, sess, reason, s.now()); err != nil {
			return err
		}
		out, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel session %d: %w", id, err)
	}
	return out, nil
}

func (s *Service) cancel(ctx context.Context, tx store.Tx, sess *store.Session, reason string, now time.Time) (Outcome, error) {
	ok, err := tx.SetStatus(ctx, sess.ID, session.Sources(session.StatusCancelled), session.StatusCancelled,
		store.StatusChange{At: now, Reason: reason})
	if err != nil {
		return OutcomeNone, err
	}
	if !ok {
		return OutcomeNone, fmt.Errorf("%w: session %d is %s", session.ErrInvalidTransition, sess.ID, sess.Status)
	}
	if _, err := tx.VoidReminders(ctx, sess.ID, now); err != nil {
		return OutcomeNone, err
	}
	if err := s.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
		return OutcomeNone, err
	}
	if sess.Announced() || sess.AnnounceQueuedAt != nil {
		payload := outbox.CancelPayload{SessionID: sess.ID, Reason: reason}
		if err := s.notifier.Enqueue(ctx, tx, outbox.TypeCancel, payload, &sess.ID); err != nil {
			return OutcomeNone, err
		}
	}
	logging.FromContext(ctx, s.logger).Info("lifecycle: session cancelled", "session_id", sess.ID, "reason", reason)
	return OutcomeCancelled, nil
}

// Complete closes a session once the grace window after its start has passed
// and writes the completion summary.
func (s *Service) Complete(ctx context.Context, id int64) (Outcome, error) {
	return s.guarded(ctx, id, func(tx store.Tx, sess *store.Session, now time.Time) (Outcome, error) {
		if !now.After(sess.Start.Add(session.CompletionGrace)) {
			return OutcomeNone, nil
		}
		ok, err := tx.SetStatus(ctx, sess.ID, session.OpenStatuses, session.StatusCompleted, store.StatusChange{At: now})
		if err != nil || !ok {
			return OutcomeNone, err
		}
		summary, err := summarize(ctx, tx, sess.ID)
		if err != nil {
			return OutcomeNone, err
		}
		summary.CompletedAt = now
		if _, err := tx.InsertCompletion(ctx, summary); err != nil {
			return OutcomeNone, err
		}
		if err := s.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
			return OutcomeNone, err
		}
		if err := s.notifier.Enqueue(ctx, tx, outbox.TypeCompletion, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID); err != nil {
			return OutcomeNone, err
		}
		logging.FromContext(ctx, s.logger).Info("lifecycle: session completed", "session_id", sess.ID, "attendees", len(summary.Attendees))
		return OutcomeCompleted, nil
	})
}

func summarize(ctx context.Context, tx store.Tx, sessionID int64) (store.Completion, error) {
	records, err := tx.ListAttendance(ctx, sessionID)
	if err != nil {
		return store.Completion{}, err
	}
	participants, err := tx.ListParticipants(ctx)
	if err != nil {
		return store.Completion{}, err
	}
	names := make(map[string]string, len(participants))
	for _, p := range participants {
		names[p.ID] = p.DisplayName
	}
	c := store.Completion{SessionID: sessionID, Attendees: []string{}}
	for _, r := range records {
		c.Counts.Add(r.Response)
		if !r.Response.Confirmed() {
			continue
		}
		name := names[r.ParticipantID]
		if name == "" {
			name = r.ParticipantID
		}
		c.Attendees = append(c.Attendees, name)
	}
	return c, nil
}
