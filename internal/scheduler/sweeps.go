package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

// Sweep names, also used by the operator API.
const (
	SweepAnnounce      = "announce"
	SweepRemind        = "remind"
	SweepConfirm       = "confirm"
	SweepAutoCancel    = "auto-cancel"
	SweepTasks         = "tasks"
	SweepComplete      = "complete"
	SweepOutboxDrain   = "outbox-drain"
	SweepOutboxCleanup = "outbox-cleanup"
	SweepSeriesTopUp   = "series-top-up"
)

// AutoCancelLock is the advisory lock that keeps auto-cancel single-flight
// across processes.
const AutoCancelLock = "sessionbot:auto-cancel"

// TaskLead is how long before start task assignments are generated.
const TaskLead = 4 * time.Hour

// maxDrainBatches bounds one outbox sweep.
const maxDrainBatches = 10

type Intervals struct {
	Announce      time.Duration `env:"ANNOUNCE" envDefault:"1h"`
	Remind        time.Duration `env:"REMIND" envDefault:"6h"`
	Confirm       time.Duration `env:"CONFIRM" envDefault:"24h"`
	AutoCancel    time.Duration `env:"AUTO_CANCEL" envDefault:"15m"`
	Tasks         time.Duration `env:"TASKS" envDefault:"1h"`
	Complete      time.Duration `env:"COMPLETE" envDefault:"1h"`
	OutboxDrain   time.Duration `env:"OUTBOX_DRAIN" envDefault:"1m"`
	OutboxCleanup time.Duration `env:"OUTBOX_CLEANUP" envDefault:"24h"`
	SeriesTopUp   time.Duration `env:"SERIES_TOP_UP" envDefault:"24h"`
}

func DefaultIntervals() Intervals {
	return Intervals{
		Announce:      time.Hour,
		Remind:        6 * time.Hour,
		Confirm:       24 * time.Hour,
		AutoCancel:    15 * time.Minute,
		Tasks:         time.Hour,
		Complete:      time.Hour,
		OutboxDrain:   time.Minute,
		OutboxCleanup: 24 * time.Hour,
		SeriesTopUp:   24 * time.Hour,
	}
}

type Lifecycle interface {
	Announce(ctx context.Context, id int64) (lifecycle.Outcome, error)
	EvaluateConfirmation(ctx context.Context, id int64) (lifecycle.Outcome, error)
	AutoCancel(ctx context.Context, id int64) (lifecycle.Outcome, error)
	Complete(ctx context.Context, id int64) (lifecycle.Outcome, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, tx store.Tx, typ string, payload any, sessionID *int64) error
	Drain(ctx context.Context) (outbox.DrainResult, error)
	Cleanup(ctx context.Context) (int64, error)
}

type TaskGenerator interface {
	Generate(ctx context.Context, sessionID int64) (bool, error)
}

type SeriesTopUp interface {
	TopUp(ctx context.Context) (int, error)
}

// Sweeps holds the domain work each periodic job performs.
type Sweeps struct {
	store     store.Store
	lifecycle Lifecycle
	outbox    Outbox
	tasks     TaskGenerator
	series    SeriesTopUp
	now       func() time.Time
}

type SweepsOption func(*Sweeps)

func WithClock(now func() time.Time) SweepsOption {
	return func(s *Sweeps) { s.now = now }
}

func NewSweeps(st store.Store, lc Lifecycle, ob Outbox, tg TaskGenerator, sr SeriesTopUp, opts ...SweepsOption) *Sweeps {
	s := &Sweeps{store: st, lifecycle: lc, outbox: ob, tasks: tg, series: sr, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// All returns every sweep with its interval.
func (s *Sweeps) All(iv Intervals) []Sweep {
	return []Sweep{
		{Name: SweepAnnounce, Interval: iv.Announce, Run: s.Announce},
		{Name: SweepRemind, Interval: iv.Remind, Run: s.Remind},
		{Name: SweepConfirm, Interval: iv.Confirm, Run: s.Confirm},
		{Name: SweepAutoCancel, Interval: iv.AutoCancel, Run: s.AutoCancel},
		{Name: SweepTasks, Interval: iv.Tasks, Run: s.GenerateTasks},
		{Name: SweepComplete, Interval: iv.Complete, Run: s.Complete},
		{Name: SweepOutboxDrain, Interval: iv.OutboxDrain, Run: s.DrainOutbox},
		{Name: SweepOutboxCleanup, Interval: iv.OutboxCleanup, Run: s.CleanupOutbox},
		{Name: SweepSeriesTopUp, Interval: iv.SeriesTopUp, Run: s.TopUpSeries},
	}
}

type dueFunc func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error)

// forEach loads the due sessions and acts on each in turn. One failing
// session does not stop the others.
func (s *Sweeps) forEach(ctx context.Context, due dueFunc, act func(ctx context.Context, id int64) (bool, error)) (Result, error) {
	var sessions []store.Session
	now := s.now()
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sessions, err = due(ctx, tx, now)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("load due sessions: %w", err)
	}

	logger := logging.FromContext(ctx, nil)
	var (
		res  Result
		errs []error
	)
	for _, sess := range sessions {
		changed, err := act(ctx, sess.ID)
		if err != nil {
			logger.Error("scheduler: session failed", "session_id", sess.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if changed {
			res.Processed++
		}
	}
	return res, errors.Join(errs...)
}

func outcome(fn func(ctx context.Context, id int64) (lifecycle.Outcome, error)) func(ctx context.Context, id int64) (bool, error) {
	return func(ctx context.Context, id int64) (bool, error) {
		o, err := fn(ctx, id)
		return o != lifecycle.OutcomeNone, err
	}
}

func (s *Sweeps) Announce(ctx context.Context) (Result, error) {
	return s.forEach(ctx, func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error) {
		return tx.DueAnnouncements(ctx, now)
	}, outcome(s.lifecycle.Announce))
}

func (s *Sweeps) Confirm(ctx context.Context) (Result, error) {
	return s.forEach(ctx, func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error) {
		return tx.DueConfirmations(ctx, now)
	}, outcome(s.lifecycle.EvaluateConfirmation))
}

// AutoCancel runs only while holding AutoCancelLock. When another process
// holds it the run is skipped.
func (s *Sweeps) AutoCancel(ctx context.Context) (Result, error) {
	lock, ok, err := s.store.TryAdvisoryLock(ctx, AutoCancelLock)
	if err != nil {
		return Result{}, fmt.Errorf("acquire %s: %w", AutoCancelLock, err)
	}
	if !ok {
		logging.FromContext(ctx, nil).Info("scheduler: auto-cancel lock held elsewhere, skipping")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx, nil).Error("scheduler: release auto-cancel lock", "error", err)
		}
	}()
	return s.forEach(ctx, func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error) {
		return tx.DueAutoCancels(ctx, now)
	}, outcome(s.lifecycle.AutoCancel))
}

func (s *Sweeps) Complete(ctx context.Context) (Result, error) {
	return s.forEach(ctx, func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error) {
		return tx.DueCompletions(ctx, now.Add(-session.CompletionGrace))
	}, outcome(s.lifecycle.Complete))
}

func (s *Sweeps) GenerateTasks(ctx context.Context) (Result, error) {
	return s.forEach(ctx, func(ctx context.Context, tx store.Tx, now time.Time) ([]store.Session, error) {
		return tx.DueTaskGeneration(ctx, now, now.Add(TaskLead))
	}, s.tasks.Generate)
}

// Remind queues every due reminder. Marking the reminder sent and queueing
// the message happen in one transaction.
func (s *Sweeps) Remind(ctx context.Context) (Result, error) {
	now := s.now()
	var due []store.Reminder
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.DueReminders(ctx, now)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("load due reminders: %w", err)
	}

	logger := logging.FromContext(ctx, nil)
	var (
		res  Result
		errs []error
	)
	for _, r := range due {
		queued, err := s.remind(ctx, r, now)
		if err != nil {
			logger.Error("scheduler: reminder failed", "reminder_id", r.ID, "session_id", r.SessionID, "error", err)
			errs = append(errs, err)
			continue
		}
		if queued {
			res.Processed++
		}
	}
	return res, errors.Join(errs...)
}

func (s *Sweeps) remind(ctx context.Context, r store.Reminder, now time.Time) (bool, error) {
	queued := false
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := tx.LockSession(ctx, r.SessionID)
		if err != nil {
			return err
		}
		ok, err := tx.MarkReminderSent(ctx, r.ID, now)
		if err != nil || !ok {
			return err
		}
		if sess.IsTemplate || !sess.Status.Open() {
			return nil
		}
		mentions, err := Audience(ctx, tx, r)
		if err != nil {
			return err
		}
		if r.Audience != store.AudienceAll && len(mentions) == 0 {
			return nil
		}
		payload := outbox.ReminderPayload{
			SessionID:  r.SessionID,
			ReminderID: r.ID,
			Kind:       string(r.Kind),
			Audience:   string(r.Audience),
			Mentions:   mentions,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TypeReminder, payload, &r.SessionID); err != nil {
			return err
		}
		queued = true
		return nil
	})
	return queued, err
}

// Audience resolves who a reminder pings. AudienceAll pings nobody in
// particular.
func Audience(ctx context.Context, tx store.Tx, r store.Reminder) ([]string, error) {
	if r.Audience == store.AudienceAll {
		return nil, nil
	}
	records, err := tx.ListAttendance(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	var out []string
	switch r.Audience {
	case store.AudienceMaybeResponders:
		for _, rec := range records {
			if rec.Response == session.ResponseMaybe {
				out = append(out, rec.ParticipantID)
			}
		}
	case store.AudienceNonResponders:
		responded := make(map[string]bool, len(records))
		for _, rec := range records {
			responded[rec.ParticipantID] = true
		}
		participants, err := tx.ListParticipants(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range participants {
			if !responded[p.ID] {
				out = append(out, p.ID)
			}
		}
	}
	return out, nil
}

// DrainOutbox drains batches until the outbox is empty or the batch bound
// is reached.
func (s *Sweeps) DrainOutbox(ctx context.Context) (Result, error) {
	var res Result
	for n := 0; n < maxDrainBatches; n++ {
		d, err := s.outbox.Drain(ctx)
		if err != nil {
			return res, err
		}
		if d.Skipped {
			res.Skipped = true
			return res, nil
		}
		res.Processed += d.Sent
		if d.Claimed == 0 {
			break
		}
	}
	return res, nil
}

func (s *Sweeps) CleanupOutbox(ctx context.Context) (Result, error) {
	n, err := s.outbox.Cleanup(ctx)
	return Result{Processed: int(n)}, err
}

func (s *Sweeps) TopUpSeries(ctx context.Context) (Result, error) {
	n, err := s.series.TopUp(ctx)
	return Result{Processed: n}, err
}
