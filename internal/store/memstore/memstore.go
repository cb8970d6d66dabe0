// Package memstore is an in-process store.Store. Transactions run one at a
// time against a copy of the state and replace it on commit, so rolled back
// work is never visible.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/susu3304/sessionbot/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state *state

	lockMu sync.Mutex
	locks  map[string]bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		state: newState(),
		locks: make(map[string]bool),
	}
}

type state struct {
	nextSessionID  int64
	nextReminderID int64

	sessions     map[int64]store.Session
	attendance   map[int64]map[string]store.Attendance
	participants map[string]store.Participant
	reminders    map[int64]store.Reminder
	outbox       []store.OutboxMessage
	completions  map[int64]store.Completion
	tasks        map[int64]store.TaskAssignment
}

func newState() *state {
	return &state{
		sessions:     make(map[int64]store.Session),
		attendance:   make(map[int64]map[string]store.Attendance),
		participants: make(map[string]store.Participant),
		reminders:    make(map[int64]store.Reminder),
		completions:  make(map[int64]store.Completion),
		tasks:        make(map[int64]store.TaskAssignment),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextSessionID:  s.nextSessionID,
		nextReminderID: s.nextReminderID,
		sessions:       make(map[int64]store.Session, len(s.sessions)),
		attendance:     make(map[int64]map[string]store.Attendance, len(s.attendance)),
		participants:   make(map[string]store.Participant, len(s.participants)),
		reminders:      make(map[int64]store.Reminder, len(s.reminders)),
		outbox:         append([]store.OutboxMessage(nil), s.outbox...),
		completions:    make(map[int64]store.Completion, len(s.completions)),
		tasks:          make(map[int64]store.TaskAssignment, len(s.tasks)),
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, recs := range s.attendance {
		m := make(map[string]store.Attendance, len(recs))
		for p, a := range recs {
			m[p] = a
		}
		c.attendance[k] = m
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.reminders {
		c.reminders[k] = v
	}
	for k, v := range s.completions {
		c.completions[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	return c
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) TryAdvisoryLock(ctx context.Context, name string) (store.Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks[name] {
		return nil, false, nil
	}
	s.locks[name] = true
	return &lock{s: s, name: name}, true, nil
}

type lock struct {
	s    *Store
	name string
	once sync.Once
}

func (l *lock) Release(context.Context) error {
	l.once.Do(func() {
		l.s.lockMu.Lock()
		delete(l.s.locks, l.name)
		l.s.lockMu.Unlock()
	})
	return nil
}

type tx struct {
	st *state
}

var _ store.Tx = (*tx)(nil)

func (t *tx) outboxIndex(id uuid.UUID) int {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			return i
		}
	}
	return -1
}
