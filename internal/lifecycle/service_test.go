package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
	"github.com/susu3304/sessionbot/internal/testfixtures"
)

type fixture struct {
	st    *memstore.Store
	svc   *Service
	agg   *attendance.Aggregator
	clock *testfixtures.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	clock := testfixtures.NewClock(time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	ob := outbox.New(st, outbox.Config{}, outbox.WithClock(clock.Now))
	agg := attendance.New(st, ob, attendance.WithClock(clock.Now))
	return &fixture{
		st:    st,
		svc:   New(st, agg, ob, WithClock(clock.Now)),
		agg:   agg,
		clock: clock,
	}
}

func (f *fixture) create(t *testing.T, in time.Duration) *store.Session {
	t.Helper()
	start := f.clock.Now().Add(in)
	sess, err := f.svc.Create(context.Background(), Draft{Title: "Curse of Strahd", Start: start, End: start.Add(4 * time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func (f *fixture) respond(t *testing.T, id int64, participants ...string) {
	t.Helper()
	for _, p := range participants {
		if _, err := f.agg.RecordResponse(context.Background(), id, store.Participant{ID: p, DisplayName: strings.ToUpper(p)}, "yes", attendance.Extra{}); err != nil {
			t.Fatalf("RecordResponse: %v", err)
		}
	}
}

func (f *fixture) outboxTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		msgs, err := tx.ListOutbox(context.Background(), store.OutboxQuery{})
		for _, m := range msgs {
			types = append(types, m.Type)
		}
		return err
	})
	return types
}

func count(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestCreateValidatesWindow(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().Add(24 * time.Hour)
	tests := []struct {
		name  string
		draft Draft
		field string
	}{
		{"missing title", Draft{Start: start, End: start.Add(time.Hour)}, "title"},
		{"end before start", Draft{Title: "x", Start: start, End: start.Add(-time.Hour)}, "end"},
		{"end equals start", Draft{Title: "x", Start: start, End: start}, "end"},
		{"max below min", Draft{Title: "x", Start: start, End: start.Add(time.Hour), MinPlayers: 5, MaxPlayers: 2}, "max_players"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.draft)
			var verr *session.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if _, ok := verr.FieldErrors[tt.field]; !ok {
				t.Errorf("field errors = %v, want %q", verr.FieldErrors, tt.field)
			}
		})
	}
}

func TestCreateQueuesDueAnnouncement(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 72*time.Hour)
	if sess.AnnounceQueuedAt == nil {
		t.Fatal("announcement not marked queued")
	}
	stored, err := f.svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AnnounceQueuedAt == nil || !stored.AnnounceQueuedAt.Equal(*sess.AnnounceQueuedAt) {
		t.Errorf("returned AnnounceQueuedAt = %v, stored %v", sess.AnnounceQueuedAt, stored.AnnounceQueuedAt)
	}
	if got := count(f.outboxTypes(t), outbox.TypeAnnounce); got != 1 {
		t.Fatalf("announce messages = %d, want 1", got)
	}

	// A second sweep must not queue a duplicate.
	out, err := f.svc.Announce(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if out != OutcomeNone {
		t.Errorf("outcome = %s, want none", out)
	}
	if got := count(f.outboxTypes(t), outbox.TypeAnnounce); got != 1 {
		t.Errorf("announce messages = %d after re-run, want 1", got)
	}
}

func TestAnnounceWaitsForOffset(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 10*24*time.Hour)
	if sess.AnnounceQueuedAt != nil {
		t.Fatal("announcement queued before its offset")
	}
	out, _ := f.svc.Announce(context.Background(), sess.ID)
	if out != OutcomeNone {
		t.Fatalf("outcome = %s before offset", out)
	}
	f.clock.Advance(3 * 24 * time.Hour)
	out, err := f.svc.Announce(context.Background(), sess.ID)
	if err != nil || out != OutcomeAnnounced {
		t.Fatalf("Announce = %s, %v", out, err)
	}
}

func TestAnnounceAlreadyPostedSendsUpdate(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 72*time.Hour)
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.SetMessageRef(context.Background(), sess.ID, "chan", "msg")
	})
	out, err := f.svc.Announce(context.Background(), sess.ID)
	if err != nil || out != OutcomeUpdated {
		t.Fatalf("Announce = %s, %v, want updated", out, err)
	}
	if got := count(f.outboxTypes(t), outbox.TypeAnnounce); got != 1 {
		t.Errorf("announce messages = %d, want 1", got)
	}
}

func TestConfirmationCancelsWhenShort(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 72*time.Hour)
	f.respond(t, sess.ID, "a", "b")

	f.clock.Set(sess.Start.Add(-48 * time.Hour))
	out, err := f.svc.EvaluateConfirmation(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("EvaluateConfirmation: %v", err)
	}
	if out != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", out)
	}
	got, _ := f.svc.Get(context.Background(), sess.ID)
	if got.Status != session.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if !strings.Contains(got.CancelReason, "2 of 3") {
		t.Errorf("reason = %q, want it to mention 2 of 3", got.CancelReason)
	}
	if got.CancelledAt == nil {
		t.Error("cancelled_at not set")
	}
	if n := count(f.outboxTypes(t), outbox.TypeCancel); n != 1 {
		t.Errorf("cancel messages = %d, want 1", n)
	}

	// Reminders are voided with the cancellation.
	_ = f.st.WithTx(context.Background(), func(tx store.Tx) error {
		due, _ := tx.DueReminders(context.Background(), sess.Start.Add(-time.Minute))
		if len(due) != 0 {
			t.Errorf("due reminders after cancel = %d", len(due))
		}
		return nil
	})
}

func TestConfirmationConfirmsWhenEnough(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 72*time.Hour)
	f.respond(t, sess.ID, "a", "b", "c")

	out, _ := f.svc.EvaluateConfirmation(context.Background(), sess.ID)
	if out != OutcomeNone {
		t.Fatalf("outcome before offset = %s", out)
	}
	f.clock.Set(sess.Start.Add(-47 * time.Hour))
	out, err := f.svc.EvaluateConfirmation(context.Background(), sess.ID)
	if err != nil || out != OutcomeConfirmed {
		t.Fatalf("EvaluateConfirmation = %s, %v", out, err)
	}
	got, _ := f.svc.Get(context.Background(), sess.ID)
	if got.Status != session.StatusConfirmed || got.ConfirmedAt == nil {
		t.Errorf("session = %+v", got)
	}

	out, _ = f.svc.EvaluateConfirmation(context.Background(), sess.ID)
	if out != OutcomeNone {
		t.Errorf("second evaluation = %s, want none", out)
	}
}

func TestAutoCancelFallsBelowMinimum(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, 72*time.Hour)
	f.respond(t, sess.ID, "a", "b", "c")
	f.clock.Set(sess.Start.Add(-47 * time.Hour))
	if _, err := f.svc.EvaluateConfirmation(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.agg.RemoveResponse(context.Background(), sess.ID, "c"); err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.AutoCancel(context.Background(), sess.ID)
	if err != nil || out != OutcomeCancelled {
		t.Fatalf("AutoCancel = %s, %v", out, err)
	}
	got, _ := f.svc.Get(context.Background(), sess.ID)
	if want := AutoCancelReason(2, 3); got.CancelReason != want {
		t.Errorf("reason = %q, want %q", got.CancelReason, want)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, 72*time.Hour)

	got, err := f.svc.Cancel(ctx, sess.ID, "  ")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != session.StatusCancelled || got.CancelReason != defaultCancelReason {
		t.Errorf("session = %s %q", got.Status, got.CancelReason)
	}
	if _, err := f.svc.Cancel(ctx, sess.ID, "again"); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("second cancel err = %v", err)
	}

	done := f.create(t, 72*time.Hour)
	f.clock.Set(done.Start.Add(7 * time.Hour))
	if _, err := f.svc.Complete(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, done.ID, "late"); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("cancel completed err = %v", err)
	}
}

func TestCompleteWritesSummaryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, 72*time.Hour)
	f.respond(t, sess.ID, "a", "b")
	if _, err := f.agg.RecordResponse(ctx, sess.ID, store.Participant{ID: "c"}, "no", attendance.Extra{}); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(sess.Start.Add(session.CompletionGrace))
	if out, _ := f.svc.Complete(ctx, sess.ID); out != OutcomeNone {
		t.Fatalf("completed inside grace window: %s", out)
	}
	f.clock.Advance(time.Minute)
	out, err := f.svc.Complete(ctx, sess.ID)
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("Complete = %s, %v", out, err)
	}
	out, _ = f.svc.Complete(ctx, sess.ID)
	if out != OutcomeNone {
		t.Errorf("second Complete = %s", out)
	}

	_ = f.st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetCompletion(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetCompletion: %v", err)
		}
		if c.Counts.Yes != 2 || c.Counts.No != 1 {
			t.Errorf("counts = %+v", c.Counts)
		}
		if len(c.Attendees) != 2 || c.Attendees[0] != "A" {
			t.Errorf("attendees = %v", c.Attendees)
		}
		return nil
	})
	if n := count(f.outboxTypes(t), outbox.TypeCompletion); n != 1 {
		t.Errorf("completion messages = %d", n)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, 72*time.Hour)

	bad := sess.Start.Add(-time.Hour)
	if _, err := f.svc.Update(ctx, sess.ID, Patch{End: &bad}); err == nil {
		t.Fatal("Update accepted end before start")
	}

	title := "Renamed"
	start := sess.Start.Add(24 * time.Hour)
	end := start.Add(3 * time.Hour)
	got, err := f.svc.Update(ctx, sess.ID, Patch{Title: &title, Start: &start, End: &end})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != "Renamed" || !got.Start.Equal(start) {
		t.Errorf("session = %+v", got)
	}

	_ = f.st.WithTx(ctx, func(tx store.Tx) error {
		due, _ := tx.DueReminders(ctx, start.Add(-time.Minute))
		if len(due) != 2 {
			t.Errorf("reminders after retime = %d, want 2", len(due))
		}
		for _, r := range due {
			if r.Kind == store.ReminderFinal && !r.SendAt.Equal(start.Add(-24*time.Hour)) {
				t.Errorf("final reminder at %s", r.SendAt)
			}
		}
		return nil
	})

	if _, err := f.svc.Cancel(ctx, sess.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Update(ctx, sess.ID, Patch{Title: &title}); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("update cancelled err = %v", err)
	}
}

func TestDeleteVoidsPendingNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, 72*time.Hour)
	f.respond(t, sess.ID, "a")

	if err := f.svc.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if types := f.outboxTypes(t); len(types) != 0 {
		t.Errorf("outbox after delete = %v", types)
	}
	if _, err := f.svc.Get(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
}

func TestPlanReminders(t *testing.T) {
	start := time.Date(2024, 6, 10, 19, 0, 0, 0, time.UTC)
	s := &store.Session{ID: 7, Start: start, Offsets: session.DefaultOffsets()}

	all := PlanReminders(s, start.Add(-30*24*time.Hour))
	if len(all) != 3 {
		t.Fatalf("reminders = %d, want 3", len(all))
	}
	want := []struct {
		kind     store.ReminderKind
		audience store.Audience
		at       time.Time
	}{
		{store.ReminderInitial, store.AudienceAll, start.Add(-168 * time.Hour)},
		{store.ReminderFollowup, store.AudienceNonResponders, start.Add(-48 * time.Hour)},
		{store.ReminderFinal, store.AudienceMaybeResponders, start.Add(-24 * time.Hour)},
	}
	for i, w := range want {
		r := all[i]
		if r.Kind != w.kind || r.Audience != w.audience || !r.SendAt.Equal(w.at) || r.SessionID != 7 {
			t.Errorf("reminder %d = %+v", i, r)
		}
	}

	late := PlanReminders(s, start.Add(-30*time.Hour))
	if len(late) != 1 || late[0].Kind != store.ReminderFinal {
		t.Errorf("late plan = %+v", late)
	}
}
