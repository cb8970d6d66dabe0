package lifecycle

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

// AttendanceSource reports confirmed attendees inside the caller's transaction.
type AttendanceSource interface {
	ConfirmedCount(ctx context.Context, tx store.Tx, sessionID int64) (int, error)
}

// Notifier records a notification intent inside the caller's transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx store.Tx, typ string, payload any, sessionID *int64) error
}

type Service struct {
	store      store.Store
	attendance AttendanceSource
	notifier   Notifier
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(st store.Store, attendance AttendanceSource, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:      st,
		attendance: attendance,
		notifier:   notifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Draft is the user supplied part of a new session.
type Draft struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	MinPlayers  int              `json:"min_players"`
	MaxPlayers  int              `json:"max_players"`
	Offsets     *session.Offsets `json:"offsets"`
}

// Build applies defaults and validates the draft.
func (d Draft) Build() (*store.Session, error) {
	s := &store.Session{
		Title:       strings.TrimSpace(d.Title),
		Description: d.Description,
		Start:       d.Start,
		End:         d.End,
		MinPlayers:  d.MinPlayers,
		MaxPlayers:  d.MaxPlayers,
		Status:      session.StatusScheduled,
		Offsets:     session.DefaultOffsets(),
	}
	if s.MinPlayers == 0 {
		s.MinPlayers = session.DefaultMinPlayers
	}
	if s.MaxPlayers == 0 {
		s.MaxPlayers = max(session.DefaultMaxPlayers, s.MinPlayers)
	}
	if d.Offsets != nil {
		s.Offsets = *d.Offsets
	}
	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func validate(s *store.Session) error {
	var v session.ValidationError
	if s.Title == "" {
		v.Add("title", "is required")
	}
	session.ValidateWindow(s.Start, s.End, &v)
	session.ValidatePlayers(s.MinPlayers, s.MaxPlayers, &v)
	s.Offsets.Validate(&v)
	return v.Err()
}

// Create stores a new one-off session with its reminders.
func (s *Service) Create(ctx context.Context, d Draft) (*store.Session, error) {
	sess, err := d.Build()
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return s.Insert(ctx, tx, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("lifecycle: session created", "session_id", sess.ID, "start", sess.Start)
	return sess, nil
}

// Insert writes sess and, for attendable sessions, schedules its reminders and
// queues the announcement when it is already due.
func (s *Service) Insert(ctx context.Context, tx store.Tx, sess *store.Session) error {
	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if err := tx.InsertSession(ctx, sess); err != nil {
		return err
	}
	if sess.IsTemplate {
		return nil
	}
	if err := scheduleReminders(ctx, tx, sess, now); err != nil {
		return err
	}
	if !sess.Offsets.AnnounceAt(sess.Start).After(now) && sess.Start.After(now) {
		_, err := s.queueAnnounce(ctx, tx, sess, now)
		return err
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Session, error) {
	var out *store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.GetSession(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, q store.SessionQuery) ([]store.Session, error) {
	var out []store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListSessions(ctx, q)
		return err
	})
	return out, err
}

// Patch is a direct edit. Nil fields are left unchanged.
type Patch struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Start       *time.Time       `json:"start"`
	End         *time.Time       `json:"end"`
	MinPlayers  *int             `json:"min_players"`
	MaxPlayers  *int             `json:"max_players"`
	Offsets     *session.Offsets `json:"offsets"`
}

// Apply edits sess in place and reports whether the timing changed.
func (p Patch) Apply(sess *store.Session) (retimed bool) {
	if p.Title != nil {
		sess.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		sess.Description = *p.Description
	}
	if p.Start != nil && !p.Start.Equal(sess.Start) {
		sess.Start = *p.Start
		retimed = true
	}
	if p.End != nil {
		sess.End = *p.End
	}
	if p.MinPlayers != nil {
		sess.MinPlayers = *p.MinPlayers
	}
	if p.MaxPlayers != nil {
		sess.MaxPlayers = *p.MaxPlayers
	}
	if p.Offsets != nil && *p.Offsets != sess.Offsets {
		sess.Offsets = *p.Offsets
		retimed = true
	}
	return retimed
}

// Update applies a direct edit to an open session.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (*store.Session, error) {
	var out *store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Edit(ctx, tx, sess, p); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update session %d: %w", id, err)
	}
	return out, nil
}

// Edit applies p to sess, which the caller has locked inside tx. Retimed
// sessions get a fresh set of reminders.
func (s *Service) Edit(ctx context.Context, tx store.Tx, sess *store.Session, p Patch) error {
	if !sess.Status.Open() {
		return session.ErrSessionClosed
	}
	retimed := p.Apply(sess)
	if err := validate(sess); err != nil {
		return err
	}
	now := s.now()
	sess.UpdatedAt = now
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	if sess.IsTemplate {
		return nil
	}
	if retimed {
		if _, err := tx.VoidReminders(ctx, sess.ID, now); err != nil {
			return err
		}
		if err := scheduleReminders(ctx, tx, sess, now); err != nil {
			return err
		}
	}
	return s.notifier.Enqueue(ctx, tx, outbox.TypeUpdate, outbox.SessionPayload{SessionID: sess.ID}, &sess.ID)
}

// Delete removes a session and voids its undelivered notifications.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockSession(ctx, id); err != nil {
			return err
		}
		return s.Remove(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	return nil
}

// Remove deletes a session inside tx.
func (s *Service) Remove(ctx context.Context, tx store.Tx, id int64) error {
	voided, err := tx.VoidOutbox(ctx, id)
	if err != nil {
		return err
	}
	if voided > 0 {
		logging.FromContext(ctx, s.logger).Info("lifecycle: voided pending notifications", "session_id", id, "count", voided)
	}
	return tx.DeleteSession(ctx, id)
}
