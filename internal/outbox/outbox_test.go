package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
	"github.com/susu3304/sessionbot/internal/testfixtures"
)

type recorder struct {
	mu   sync.Mutex
	seen []store.OutboxMessage
	err  error
}

func (r *recorder) Handle(_ context.Context, msg store.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
	return r.err
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func newOutbox(t *testing.T) (*Outbox, *memstore.Store, *testfixtures.Clock) {
	t.Helper()
	st := memstore.New()
	clock := testfixtures.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	o := New(st, Config{MaxRetries: 3}, WithClock(clock.Now), WithLogger(logging.Discard()))
	return o, st, clock
}

func enqueue(t *testing.T, o *Outbox, st store.Store, typ string) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx store.Tx) error {
		return o.Enqueue(ctx, tx, typ, SessionPayload{SessionID: 1}, nil)
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func rows(t *testing.T, st store.Store) []store.OutboxMessage {
	t.Helper()
	var out []store.OutboxMessage
	_ = st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.ListOutbox(context.Background(), store.OutboxQuery{})
		return err
	})
	return out
}

func TestDrainDeliversAndMarksSent(t *testing.T) {
	o, st, _ := newOutbox(t)
	h := &recorder{}
	o.Register(TypeUpdate, h)
	enqueue(t, o, st, TypeUpdate)

	res, err := o.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Sent != 1 || h.calls() != 1 {
		t.Fatalf("res = %+v, handler calls = %d", res, h.calls())
	}
	p, err := Decode[SessionPayload](h.seen[0])
	if err != nil || p.SessionID != 1 {
		t.Errorf("payload = %+v, %v", p, err)
	}
	if got := rows(t, st)[0]; got.Status != store.OutboxSent || got.SentAt == nil {
		t.Errorf("row = %+v, want sent", got)
	}

	res, _ = o.Drain(context.Background())
	if res.Claimed != 0 {
		t.Errorf("sent message claimed again: %+v", res)
	}
}

func TestRolledBackEnqueueNeverDrained(t *testing.T) {
	o, st, _ := newOutbox(t)
	h := &recorder{}
	o.Register(TypeUpdate, h)
	ctx := context.Background()
	boom := errors.New("transition failed")

	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := o.Enqueue(ctx, tx, TypeUpdate, SessionPayload{SessionID: 1}, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v", err)
	}
	res, err := o.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Claimed != 0 || h.calls() != 0 {
		t.Fatalf("rolled back message delivered: %+v", res)
	}
}

func TestFailureRetriesAfterCooldown(t *testing.T) {
	o, st, clock := newOutbox(t)
	h := &recorder{err: errors.New("channel unavailable")}
	o.Register(TypeUpdate, h)
	enqueue(t, o, st, TypeUpdate)
	ctx := context.Background()

	if res, _ := o.Drain(ctx); res.Failed != 1 {
		t.Fatalf("first drain = %+v", res)
	}
	got := rows(t, st)[0]
	if got.Status != store.OutboxFailed || got.RetryCount != 1 || got.LastError != "channel unavailable" {
		t.Fatalf("row after failure = %+v", got)
	}

	clock.Advance(time.Minute)
	if res, _ := o.Drain(ctx); res.Claimed != 0 {
		t.Fatalf("retried inside cool-down: %+v", res)
	}

	clock.Advance(5 * time.Minute)
	h.err = nil
	if res, _ := o.Drain(ctx); res.Sent != 1 {
		t.Fatalf("drain after cool-down = %+v", res)
	}
	if h.calls() != 2 {
		t.Errorf("handler calls = %d, want 2", h.calls())
	}
}

func TestExhaustedMessageIsNotRetried(t *testing.T) {
	o, st, clock := newOutbox(t)
	h := &recorder{err: errors.New("down")}
	o.Register(TypeCancel, h)
	enqueue(t, o, st, TypeCancel)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.Drain(ctx); err != nil {
			t.Fatalf("Drain: %v", err)
		}
		clock.Advance(6 * time.Minute)
	}
	got := rows(t, st)[0]
	if got.RetryCount != 3 || got.Status != store.OutboxFailed {
		t.Fatalf("row = %+v, want failed with 3 retries", got)
	}

	clock.Advance(time.Hour)
	res, _ := o.Drain(ctx)
	if res.Claimed != 0 || h.calls() != 3 {
		t.Fatalf("exhausted message re-attempted: res=%+v calls=%d", res, h.calls())
	}
	if got := rows(t, st)[0]; got.RetryCount != 3 {
		t.Errorf("retry count grew past max: %d", got.RetryCount)
	}

	abandoned, err := o.Abandoned(ctx, 10)
	if err != nil || len(abandoned) != 1 {
		t.Errorf("Abandoned = %v, %v", abandoned, err)
	}
}

func TestUnknownTypeFails(t *testing.T) {
	o, st, _ := newOutbox(t)
	enqueue(t, o, st, "mystery")
	res, _ := o.Drain(context.Background())
	if res.Failed != 1 {
		t.Fatalf("res = %+v, want one failure", res)
	}
}

func TestCleanupPurgesOldSentRows(t *testing.T) {
	o, st, clock := newOutbox(t)
	o.Register(TypeUpdate, &recorder{})
	enqueue(t, o, st, TypeUpdate)
	ctx := context.Background()
	if _, err := o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	enqueue(t, o, st, "pending-forever")

	clock.Advance(6 * 24 * time.Hour)
	if n, _ := o.Cleanup(ctx); n != 0 {
		t.Fatalf("purged %d rows inside retention", n)
	}
	clock.Advance(2 * 24 * time.Hour)
	if n, _ := o.Cleanup(ctx); n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	left := rows(t, st)
	if len(left) != 1 || left[0].Type != "pending-forever" {
		t.Errorf("remaining rows = %+v", left)
	}
}

type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHandler) Handle(context.Context, store.OutboxMessage) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestOverlappingDrainIsSkipped(t *testing.T) {
	o, st, _ := newOutbox(t)
	h := &blockingHandler{entered: make(chan struct{}), release: make(chan struct{})}
	o.Register(TypeUpdate, h)
	enqueue(t, o, st, TypeUpdate)
	ctx := context.Background()

	done := make(chan DrainResult)
	go func() {
		res, _ := o.Drain(ctx)
		done <- res
	}()
	<-h.entered

	res, err := o.Drain(ctx)
	if err != nil || !res.Skipped {
		t.Fatalf("overlapping drain = %+v, %v; want skipped", res, err)
	}
	close(h.release)
	if first := <-done; first.Sent != 1 {
		t.Errorf("first drain = %+v", first)
	}
}
