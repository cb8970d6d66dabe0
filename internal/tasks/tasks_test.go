package tasks

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
)

func attendees(responses map[string]session.Response) []store.Attendance {
	var out []store.Attendance
	for id, r := range responses {
		out = append(out, store.Attendance{ParticipantID: id, Response: r})
	}
	return out
}

func count(m map[string][]string) int {
	n := 0
	for _, ts := range m {
		n += len(ts)
	}
	return n
}

func TestAssign(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	got := Assign(r, attendees(map[string]session.Response{
		"a": session.ResponseYes,
		"b": session.ResponseLate,
		"c": session.ResponseNo,
		"d": session.ResponseMaybe,
	}))

	pre := got[store.TaskPhasePre]
	if len(pre) != 1 || len(pre["a"]) != len(preTasks) {
		t.Errorf("pre = %v, want every task on the on-time attendee", pre)
	}
	during := got[store.TaskPhaseDuring]
	if count(during) != len(duringTasks) || len(during["a"]) == 0 || len(during["b"]) == 0 {
		t.Errorf("during = %v", during)
	}
	post := got[store.TaskPhasePost]
	if count(post) != len(postTasks) || len(post[DM]) == 0 {
		t.Errorf("post = %v, want the DM included", post)
	}
	for _, phase := range got {
		if _, ok := phase["c"]; ok {
			t.Error("declined participant got a task")
		}
		if _, ok := phase["d"]; ok {
			t.Error("undecided participant got a task")
		}
	}
}

func TestAssignBigTableAddsChairs(t *testing.T) {
	people := make(map[string]session.Response)
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		people[id] = session.ResponseYes
	}
	got := Assign(rand.New(rand.NewSource(2)), attendees(people))
	if n := count(got[store.TaskPhasePre]); n != len(preTasks)+1 {
		t.Errorf("pre tasks = %d, want %d", n, len(preTasks)+1)
	}
}

func TestGenerateOnce(t *testing.T) {
	st := memstore.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ob := outbox.New(st, outbox.Config{}, outbox.WithClock(func() time.Time { return now }))
	g := New(st, ob, WithRand(rand.New(rand.NewSource(3))), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	s := &store.Session{Title: "x", Start: now.Add(24 * time.Hour), End: now.Add(27 * time.Hour), Status: session.StatusConfirmed}
	empty := &store.Session{Title: "y", Start: now.Add(24 * time.Hour), End: now.Add(27 * time.Hour), Status: session.StatusConfirmed}
	_ = st.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.InsertSession(ctx, s)
		_ = tx.InsertSession(ctx, empty)
		_ = tx.UpsertAttendance(ctx, &store.Attendance{SessionID: s.ID, ParticipantID: "a", Response: session.ResponseYes})
		return tx.UpsertAttendance(ctx, &store.Attendance{SessionID: s.ID, ParticipantID: "b", Response: session.ResponseEarly})
	})

	created, err := g.Generate(ctx, s.ID)
	if err != nil || !created {
		t.Fatalf("Generate = %v, %v", created, err)
	}
	again, err := g.Generate(ctx, s.ID)
	if err != nil || again {
		t.Errorf("second Generate = %v, %v", again, err)
	}
	if created, _ := g.Generate(ctx, empty.ID); created {
		t.Error("generated tasks without attendees")
	}

	_ = st.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetTaskAssignment(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetTaskAssignment: %v", err)
		}
		if a.AttendeeCount != 2 {
			t.Errorf("attendee count = %d", a.AttendeeCount)
		}
		msgs, _ := tx.ListOutbox(ctx, store.OutboxQuery{})
		if len(msgs) != 1 || msgs[0].Type != outbox.TypeTasks {
			t.Errorf("outbox = %+v", msgs)
		}
		return nil
	})
}
