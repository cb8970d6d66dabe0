package scheduler

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
	"github.com/susu3304/sessionbot/internal/testfixtures"
)

type fakeTasks struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeTasks) Generate(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true, nil
}

type fakeSeries struct{ added int }

func (f fakeSeries) TopUp(context.Context) (int, error) { return f.added, nil }

type fixture struct {
	st     *memstore.Store
	ob     *outbox.Outbox
	clock  *testfixtures.Clock
	tasks  *fakeTasks
	sweeps *Sweeps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	clock := testfixtures.NewClock(time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC))
	ob := outbox.New(st, outbox.Config{BatchSize: 2}, outbox.WithClock(clock.Now))
	agg := attendance.New(st, ob, attendance.WithClock(clock.Now))
	lc := lifecycle.New(st, agg, ob, lifecycle.WithClock(clock.Now))
	tg := &fakeTasks{}
	return &fixture{
		st:     st,
		ob:     ob,
		clock:  clock,
		tasks:  tg,
		sweeps: NewSweeps(st, lc, ob, tg, fakeSeries{added: 3}, WithClock(clock.Now)),
	}
}

func (f *fixture) insert(t *testing.T, s *store.Session) *store.Session {
	t.Helper()
	if s.End.IsZero() {
		s.End = s.Start.Add(4 * time.Hour)
	}
	if s.Status == "" {
		s.Status = session.StatusScheduled
	}
	if s.Offsets == (session.Offsets{}) {
		s.Offsets = session.DefaultOffsets()
	}
	s.MinPlayers, s.MaxPlayers = 3, 6
	err := f.st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertSession(context.Background(), s)
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	return s
}

func (f *fixture) outbox(t *testing.T) []store.OutboxMessage {
	t.Helper()
	var msgs []store.OutboxMessage
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		msgs, err = tx.ListOutbox(context.Background(), store.OutboxQuery{})
		return err
	})
	return msgs
}

func TestRemindResolvesAudiences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	s := f.insert(t, &store.Session{Title: "Tomb of Annihilation", Start: now.Add(10 * time.Hour)})

	_ = f.st.WithTx(ctx, func(tx store.Tx) error {
		for _, p := range []string{"a", "b", "c"} {
			_ = tx.UpsertParticipant(ctx, store.Participant{ID: p})
		}
		_ = tx.UpsertAttendance(ctx, &store.Attendance{SessionID: s.ID, ParticipantID: "a", Response: session.ResponseYes})
		_ = tx.UpsertAttendance(ctx, &store.Attendance{SessionID: s.ID, ParticipantID: "c", Response: session.ResponseNo})
		for _, aud := range []store.Audience{store.AudienceAll, store.AudienceNonResponders, store.AudienceMaybeResponders} {
			_ = tx.InsertReminder(ctx, &store.Reminder{SessionID: s.ID, Kind: store.ReminderFinal, Audience: aud, SendAt: now.Add(-time.Minute)})
		}
		return nil
	})

	res, err := f.sweeps.Remind(ctx)
	if err != nil {
		t.Fatalf("Remind: %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("processed = %d, want 2 (maybe audience is empty)", res.Processed)
	}

	mentions := map[string][]string{}
	for _, m := range f.outbox(t) {
		p, err := outbox.Decode[outbox.ReminderPayload](m)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		mentions[p.Audience] = p.Mentions
	}
	if got := mentions[string(store.AudienceNonResponders)]; !slices.Equal(got, []string{"b"}) {
		t.Errorf("non-responder mentions = %v, want [b]", got)
	}
	if got, ok := mentions[string(store.AudienceAll)]; !ok || len(got) != 0 {
		t.Errorf("all mentions = %v, %v", got, ok)
	}

	again, err := f.sweeps.Remind(ctx)
	if err != nil || again.Processed != 0 {
		t.Errorf("second Remind = %+v, %v", again, err)
	}
}

type blockingLifecycle struct {
	Lifecycle
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLifecycle) AutoCancel(context.Context, int64) (lifecycle.Outcome, error) {
	b.entered <- struct{}{}
	<-b.release
	return lifecycle.OutcomeNone, nil
}

func TestAutoCancelIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, &store.Session{Title: "Waterdeep", Start: f.clock.Now().Add(time.Hour)})

	blocker := &blockingLifecycle{entered: make(chan struct{}), release: make(chan struct{})}
	sw := NewSweeps(f.st, blocker, f.ob, f.tasks, fakeSeries{}, WithClock(f.clock.Now))

	done := make(chan Result)
	go func() {
		res, _ := sw.AutoCancel(ctx)
		done <- res
	}()
	<-blocker.entered

	second, err := sw.AutoCancel(ctx)
	if err != nil || !second.Skipped {
		t.Errorf("concurrent AutoCancel = %+v, %v, want skipped", second, err)
	}
	close(blocker.release)
	if first := <-done; first.Skipped {
		t.Error("first run was skipped")
	}

	// The lock is released once the first run returns.
	lock, ok, err := f.st.TryAdvisoryLock(ctx, AutoCancelLock)
	if err != nil || !ok {
		t.Fatalf("lock still held after run: %v", err)
	}
	_ = lock.Release(ctx)
}

func TestAutoCancelCancelsShortSessions(t *testing.T) {
	f := newFixture(t)
	s := f.insert(t, &store.Session{Title: "Phandelver", Start: f.clock.Now().Add(24 * time.Hour)})

	res, err := f.sweeps.AutoCancel(context.Background())
	if err != nil || res.Processed != 1 {
		t.Fatalf("AutoCancel = %+v, %v", res, err)
	}
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		got, _ := tx.GetSession(context.Background(), s.ID)
		if got.Status != session.StatusCancelled {
			t.Errorf("status = %s, want cancelled", got.Status)
		}
		return nil
	})
}

func TestCompleteWaitsForGrace(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	old := f.insert(t, &store.Session{Title: "old", Start: now.Add(-7 * time.Hour), Status: session.StatusConfirmed})
	f.insert(t, &store.Session{Title: "recent", Start: now.Add(-5 * time.Hour), Status: session.StatusConfirmed})

	res, err := f.sweeps.Complete(context.Background())
	if err != nil || res.Processed != 1 {
		t.Fatalf("Complete = %+v, %v", res, err)
	}
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		if _, err := tx.GetCompletion(context.Background(), old.ID); err != nil {
			t.Errorf("GetCompletion: %v", err)
		}
		return nil
	})
}

func TestGenerateTasksUsesLead(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	soon := f.insert(t, &store.Session{Title: "soon", Start: now.Add(2 * time.Hour), Status: session.StatusConfirmed})
	f.insert(t, &store.Session{Title: "later", Start: now.Add(6 * time.Hour), Status: session.StatusConfirmed})
	f.insert(t, &store.Session{Title: "unconfirmed", Start: now.Add(2 * time.Hour)})

	if _, err := f.sweeps.GenerateTasks(context.Background()); err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if !slices.Equal(f.tasks.ids, []int64{soon.ID}) {
		t.Errorf("generated for %v, want [%d]", f.tasks.ids, soon.ID)
	}
}

func TestDrainOutboxRunsSeveralBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delivered := 0
	f.ob.Register("test", outbox.HandlerFunc(func(context.Context, store.OutboxMessage) error {
		delivered++
		return nil
	}))
	_ = f.st.WithTx(ctx, func(tx store.Tx) error {
		for n := 0; n < 5; n++ {
			if err := f.ob.Enqueue(ctx, tx, "test", struct{}{}, nil); err != nil {
				return err
			}
		}
		return nil
	})

	res, err := f.sweeps.DrainOutbox(ctx)
	if err != nil {
		t.Fatalf("DrainOutbox: %v", err)
	}
	if res.Processed != 5 || delivered != 5 {
		t.Errorf("processed = %d, delivered = %d, want 5", res.Processed, delivered)
	}
}

func TestTopUpSeriesReportsAdded(t *testing.T) {
	f := newFixture(t)
	res, err := f.sweeps.TopUpSeries(context.Background())
	if err != nil || res.Processed != 3 {
		t.Errorf("TopUpSeries = %+v, %v", res, err)
	}
}

func TestAllUsesIntervals(t *testing.T) {
	f := newFixture(t)
	iv := DefaultIntervals()
	sweeps := f.sweeps.All(iv)
	if len(sweeps) != 9 {
		t.Fatalf("got %d sweeps", len(sweeps))
	}
	for _, s := range sweeps {
		if s.Name == SweepAutoCancel && s.Interval != 15*time.Minute {
			t.Errorf("auto-cancel interval = %s", s.Interval)
		}
		if s.Run == nil {
			t.Errorf("%s has no Run", s.Name)
		}
	}
}
