package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/susu3304/sessionbot/internal/logging"
)

func TestRunUnknownSweep(t *testing.T) {
	h := New(nil, WithLogger(logging.Discard()))
	if _, err := h.Run(context.Background(), "nope"); !errors.Is(err, ErrUnknownSweep) {
		t.Errorf("err = %v, want ErrUnknownSweep", err)
	}
}

func TestRunFillsResult(t *testing.T) {
	h := New([]Sweep{{
		Name: "count",
		Run:  func(context.Context) (Result, error) { return Result{Processed: 2}, nil },
	}}, WithLogger(logging.Discard()))

	res, err := h.Run(context.Background(), "count")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sweep != "count" || res.Processed != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := New([]Sweep{{
		Name: "slow",
		Run: func(context.Context) (Result, error) {
			close(entered)
			<-release
			return Result{Processed: 1}, nil
		},
	}}, WithLogger(logging.Discard()))

	done := make(chan Result)
	go func() {
		res, _ := h.Run(context.Background(), "slow")
		done <- res
	}()
	<-entered

	res, err := h.Run(context.Background(), "slow")
	if err != nil || !res.Skipped {
		t.Errorf("overlapping Run = %+v, %v, want skipped", res, err)
	}
	close(release)
	if first := <-done; first.Processed != 1 {
		t.Errorf("first run = %+v", first)
	}
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	h := New([]Sweep{
		{
			Name:     "tick",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) (Result, error) {
				runs.Add(1)
				return Result{}, nil
			},
		},
		{Name: "disabled", Run: func(context.Context) (Result, error) { t.Error("disabled sweep ran"); return Result{}, nil }},
	}, WithLogger(logging.Discard()))

	h.Start(context.Background())
	h.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Stop()
	h.Stop()

	if runs.Load() < 2 {
		t.Fatalf("runs = %d, want at least 2", runs.Load())
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("sweep ran after Stop")
	}
	if got := h.Names(); len(got) != 2 || got[0] != "tick" {
		t.Errorf("Names = %v", got)
	}
}
