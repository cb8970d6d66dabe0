// Package store defines the persisted records and the transactional
// contract the session services run against.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/susu3304/sessionbot/internal/session"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store opens transactions and hands out named advisory locks.
type Store interface {
	// WithTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// TryAdvisoryLock attempts to take the named lock without waiting.
	// ok is false when another holder has it.
	TryAdvisoryLock(ctx context.Context, name string) (lock Lock, ok bool, err error)
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	Sessions
	Attendances
	Participants
	Reminders
	Outbox
	Completions
	Tasks
}

type Sessions interface {
	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	// LockSession reads the session and holds a row lock until the transaction ends.
	LockSession(ctx context.Context, id int64) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id int64) error
	ListSessions(ctx context.Context, q SessionQuery) ([]Session, error)

	// SetStatus moves the session to `to` only when its current status is one
	// of from. It reports whether the row changed.
	SetStatus(ctx context.Context, id int64, from []session.Status, to session.Status, change StatusChange) (bool, error)
	// MarkAnnounceQueued records that an announcement was enqueued, once.
	MarkAnnounceQueued(ctx context.Context, id int64, at time.Time) (bool, error)
	SetMessageRef(ctx context.Context, id int64, channelID, messageID string) error
	SetCounts(ctx context.Context, id int64, counts session.Counts) error

	DueAnnouncements(ctx context.Context, now time.Time) ([]Session, error)
	DueConfirmations(ctx context.Context, now time.Time) ([]Session, error)
	DueAutoCancels(ctx context.Context, now time.Time) ([]Session, error)
	// DueCompletions returns open sessions that started before cutoff.
	DueCompletions(ctx context.Context, cutoff time.Time) ([]Session, error)
	// DueTaskGeneration returns confirmed sessions starting in (now, horizon]
	// that have no task assignment yet.
	DueTaskGeneration(ctx context.Context, now, horizon time.Time) ([]Session, error)

	LastInstance(ctx context.Context, templateID int64) (*Session, error)
	CountInstances(ctx context.Context, templateID int64) (int, error)
}

type Attendances interface {
	UpsertAttendance(ctx context.Context, a *Attendance) error
	DeleteAttendance(ctx context.Context, sessionID int64, participantID string) (bool, error)
	ListAttendance(ctx context.Context, sessionID int64) ([]Attendance, error)
}

type Participants interface {
	UpsertParticipant(ctx context.Context, p Participant) error
	ListParticipants(ctx context.Context) ([]Participant, error)
}

type Reminders interface {
	InsertReminder(ctx context.Context, r *Reminder) error
	// DueReminders returns unsent reminders whose send time has passed and
	// whose session is open and not yet started.
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error)
	// VoidReminders marks every unsent reminder of the session as sent.
	VoidReminders(ctx context.Context, sessionID int64, at time.Time) (int64, error)
}

type Outbox interface {
	EnqueueOutbox(ctx context.Context, m *OutboxMessage) error
	// ClaimOutbox selects a batch of deliverable rows and marks them processing.
	ClaimOutbox(ctx context.Context, c OutboxClaim) ([]OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkOutboxFailed increments the retry count and returns its new value.
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, at time.Time, lastError string) (int, error)
	PurgeSentOutbox(ctx context.Context, before time.Time) (int64, error)
	// VoidOutbox deletes undelivered rows for a session.
	VoidOutbox(ctx context.Context, sessionID int64) (int64, error)
	ListOutbox(ctx context.Context, q OutboxQuery) ([]OutboxMessage, error)
}

type Completions interface {
	// InsertCompletion reports false when the session already has one.
	InsertCompletion(ctx context.Context, c Completion) (bool, error)
	GetCompletion(ctx context.Context, sessionID int64) (*Completion, error)
}

type Tasks interface {
	InsertTaskAssignment(ctx context.Context, a TaskAssignment) (bool, error)
	GetTaskAssignment(ctx context.Context, sessionID int64) (*TaskAssignment, error)
}
