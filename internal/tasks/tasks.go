// Package tasks hands out table housekeeping among a session's attendees.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/store"
)

// DM is the assignee key for the game master, who only helps clean up.
const DM = "DM"

// bigTable is the attendee count from which extra chairs are needed.
const bigTable = 6

var (
	preTasks = []string{
		"Get dice trays",
		"Put initiative name tags on tracker",
		"Wipe TV",
		"Recap",
	}
	duringTasks = []string{
		"Calendar master",
		"Loot master",
		"Lore master",
		"Rule and battle master",
		"Inspiration master",
	}
	postTasks = []string{
		"Food, drink and trash check",
		"TVs wiped and turned off",
		"Dice trays and books put away",
		"Initiative tracker cleaned and name labels put away",
		"Chairs pushed in and extra chairs put back",
		"Windows shut and locked",
		"No duplicate snacks for next session",
	}
)

// Notifier records a notification intent inside the caller's transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx store.Tx, typ string, payload any, sessionID *int64) error
}

type Generator struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithRand fixes the shuffle source.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rand = r }
}

func New(st store.Store, notifier Notifier, opts ...Option) *Generator {
	g := &Generator{
		store:    st,
		notifier: notifier,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assign distributes tasks round-robin after a shuffle. Pre-session tasks go
// to attendees arriving on time, post-session tasks include the DM.
func Assign(r *rand.Rand, attendees []store.Attendance) map[store.TaskPhase]map[string][]string {
	var everyone, onTime []string
	for _, a := range attendees {
		if !a.Response.Confirmed() {
			continue
		}
		everyone = append(everyone, a.ParticipantID)
		if a.Response.OnTime() {
			onTime = append(onTime, a.ParticipantID)
		}
	}
	pre := preTasks
	if len(everyone) >= bigTable {
		pre = append(append([]string(nil), preTasks...), "Bring in extra chairs")
	}
	return map[store.TaskPhase]map[string][]string{
		store.TaskPhasePre:    distribute(r, pre, onTime),
		store.TaskPhaseDuring: distribute(r, duringTasks, everyone),
		store.TaskPhasePost:   distribute(r, postTasks, append(everyone, DM)),
	}
}

func distribute(r *rand.Rand, tasks, people []string) map[string][]string {
	out := make(map[string][]string, len(people))
	if len(people) == 0 {
		return out
	}
	shuffled := append([]string(nil), tasks...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for i, task := range shuffled {
		p := people[i%len(people)]
		out[p] = append(out[p], task)
	}
	return out
}

// Generate writes the assignment of a confirmed session and queues its post.
// It reports false when the session already has one or has no attendees.
func (g *Generator) Generate(ctx context.Context, sessionID int64) (bool, error) {
	created := false
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.IsTemplate || !sess.Status.Open() {
			return nil
		}
		records, err := tx.ListAttendance(ctx, sessionID)
		if err != nil {
			return err
		}
		g.mu.Lock()
		assignments := Assign(g.rand, records)
		g.mu.Unlock()
		a := store.TaskAssignment{
			SessionID:   sessionID,
			Assignments: assignments,
			CreatedAt:   g.now(),
		}
		for _, r := range records {
			if r.Response.Confirmed() {
				a.AttendeeCount++
			}
		}
		if a.AttendeeCount == 0 {
			logging.FromContext(ctx, g.logger).Info("tasks: no confirmed attendees", "session_id", sessionID)
			return nil
		}
		if created, err = tx.InsertTaskAssignment(ctx, a); err != nil || !created {
			return err
		}
		return g.notifier.Enqueue(ctx, tx, outbox.TypeTasks, outbox.SessionPayload{SessionID: sessionID}, &sessionID)
	})
	if err != nil {
		return false, fmt.Errorf("generate tasks for session %d: %w", sessionID, err)
	}
	return created, nil
}
