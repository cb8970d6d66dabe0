package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
	"github.com/susu3304/sessionbot/internal/testfixtures"
)

type fixture struct {
	st    *memstore.Store
	agg   *Aggregator
	clock *testfixtures.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	clock := testfixtures.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	ob := outbox.New(st, outbox.Config{}, outbox.WithClock(clock.Now))
	return &fixture{st: st, agg: New(st, ob, WithClock(clock.Now)), clock: clock}
}

func (f *fixture) insert(t *testing.T, mutate func(*store.Session)) int64 {
	t.Helper()
	start := f.clock.Now().Add(72 * time.Hour)
	s := &store.Session{
		Title: "Session", Start: start, End: start.Add(4 * time.Hour),
		MinPlayers: 3, MaxPlayers: 6, Status: session.StatusScheduled, Offsets: session.DefaultOffsets(),
	}
	if mutate != nil {
		mutate(s)
	}
	err := f.st.WithTx(context.Background(), func(tx store.Tx) error { return tx.InsertSession(context.Background(), s) })
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	return s.ID
}

func (f *fixture) read(t *testing.T, id int64) (*store.Session, []store.Attendance, []store.OutboxMessage) {
	t.Helper()
	ctx := context.Background()
	var (
		s    *store.Session
		recs []store.Attendance
		msgs []store.OutboxMessage
	)
	err := f.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if s, err = tx.GetSession(ctx, id); err != nil {
			return err
		}
		if recs, err = tx.ListAttendance(ctx, id); err != nil {
			return err
		}
		msgs, err = tx.ListOutbox(ctx, store.OutboxQuery{})
		return err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return s, recs, msgs
}

func TestRecordResponseUpsertsOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.insert(t, nil)
	alice := store.Participant{ID: "100", DisplayName: "Alice"}

	if _, err := f.agg.RecordResponse(ctx, id, alice, "maybe", Extra{}); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	f.clock.Advance(time.Minute)
	late := 30
	res, err := f.agg.RecordResponse(ctx, id, alice, "late", Extra{LateMinutes: &late, Note: "traffic"})
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if res.Counts.Late != 1 || res.Counts.Maybe != 0 {
		t.Errorf("counts = %+v", res.Counts)
	}

	s, recs, msgs := f.read(t, id)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if got := recs[0]; got.Response != session.ResponseLate || got.Note != "traffic" || *got.LateMinutes != 30 {
		t.Errorf("record = %+v", got)
	}
	if s.Counts != res.Counts {
		t.Errorf("session counts = %+v, want %+v", s.Counts, res.Counts)
	}
	if len(msgs) != 2 || msgs[0].Type != outbox.TypeUpdate {
		t.Errorf("outbox = %+v, want two updates", msgs)
	}
}

func TestRecordResponseNormalizesLegacyValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.insert(t, nil)

	inputs := map[string]session.Response{
		"1": session.ResponseYes,
		"2": session.ResponseNo,
		"3": session.ResponseMaybe,
		"4": session.ResponseMaybe,
	}
	raws := map[string]string{"1": "accepted", "2": "declined", "3": "tentative", "4": "no idea"}
	for pid, raw := range raws {
		if _, err := f.agg.RecordResponse(ctx, id, store.Participant{ID: pid}, raw, Extra{}); err != nil {
			t.Fatalf("RecordResponse(%q): %v", raw, err)
		}
	}
	_, recs, _ := f.read(t, id)
	for _, r := range recs {
		if want := inputs[r.ParticipantID]; r.Response != want {
			t.Errorf("participant %s response = %s, want %s", r.ParticipantID, r.Response, want)
		}
	}
}

func TestConfirmedCountIgnoresNoAndMaybe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.insert(t, nil)
	for pid, raw := range map[string]string{"a": "yes", "b": "no", "c": "maybe", "d": "late", "e": "early", "f": "late_and_early"} {
		if _, err := f.agg.RecordResponse(ctx, id, store.Participant{ID: pid}, raw, Extra{}); err != nil {
			t.Fatalf("RecordResponse: %v", err)
		}
	}
	var got int
	_ = f.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		got, err = f.agg.ConfirmedCount(ctx, tx, id)
		return err
	})
	if got != 4 {
		t.Errorf("ConfirmedCount = %d, want 4", got)
	}
}

func TestRecordResponseRejectsTemplatesAndClosedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tmpl := f.insert(t, func(s *store.Session) { s.IsTemplate = true })
	closed := f.insert(t, func(s *store.Session) { s.Status = session.StatusCancelled })

	if _, err := f.agg.RecordResponse(ctx, tmpl, store.Participant{ID: "1"}, "yes", Extra{}); !errors.Is(err, session.ErrTemplateNotAttendable) {
		t.Errorf("template err = %v", err)
	}
	if _, err := f.agg.RecordResponse(ctx, closed, store.Participant{ID: "1"}, "yes", Extra{}); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("closed err = %v", err)
	}
	if _, err := f.agg.RecordResponse(ctx, 999, store.Participant{ID: "1"}, "yes", Extra{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	_, _, msgs := f.read(t, tmpl)
	if len(msgs) != 0 {
		t.Errorf("rejected responses enqueued %d messages", len(msgs))
	}
}

func TestRecordResponseValidatesExtra(t *testing.T) {
	f := newFixture(t)
	id := f.insert(t, nil)
	neg := -5
	_, err := f.agg.RecordResponse(context.Background(), id, store.Participant{ID: "1"}, "late", Extra{LateMinutes: &neg})
	var verr *session.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRemoveResponseDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.insert(t, nil)
	_, _ = f.agg.RecordResponse(ctx, id, store.Participant{ID: "1"}, "yes", Extra{})
	_, _ = f.agg.RecordResponse(ctx, id, store.Participant{ID: "2"}, "yes", Extra{})

	counts, removed, err := f.agg.RemoveResponse(ctx, id, "1")
	if err != nil || !removed {
		t.Fatalf("RemoveResponse = %v, %v", removed, err)
	}
	if counts.Yes != 1 {
		t.Errorf("counts = %+v", counts)
	}
	s, recs, msgs := f.read(t, id)
	if len(recs) != 1 || recs[0].ParticipantID != "2" {
		t.Errorf("records = %+v", recs)
	}
	if s.Counts.Yes != 1 {
		t.Errorf("session counts = %+v", s.Counts)
	}
	if len(msgs) != 3 {
		t.Errorf("outbox rows = %d, want 3", len(msgs))
	}

	_, removed, err = f.agg.RemoveResponse(ctx, id, "1")
	if err != nil || removed {
		t.Errorf("second RemoveResponse = %v, %v", removed, err)
	}
	if _, _, msgs := f.read(t, id); len(msgs) != 3 {
		t.Errorf("no-op removal enqueued a message")
	}
}
