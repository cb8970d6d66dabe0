// Package scheduler runs the periodic sweeps that move sessions through
// their lifecycle and flush the notification outbox.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/susu3304/sessionbot/internal/logging"
)

var ErrUnknownSweep = errors.New("scheduler: unknown sweep")

// Result is what one sweep run did.
type Result struct {
	Sweep     string        `json:"sweep"`
	Processed int           `json:"processed"`
	Skipped   bool          `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Sweep is one periodic job. Run must be safe to repeat.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (Result, error)
}

// Handle owns one ticker goroutine per sweep. Runs of the same sweep never
// overlap; different sweeps run concurrently.
type Handle struct {
	sweeps map[string]*entry
	order  []string
	tracer trace.Tracer
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	Sweep
	running sync.Mutex
}

type Option func(*Handle)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handle) { h.tracer = t }
}

func New(sweeps []Sweep, opts ...Option) *Handle {
	h := &Handle{
		sweeps: make(map[string]*entry, len(sweeps)),
		tracer: otel.Tracer("github.com/susu3304/sessionbot/internal/scheduler"),
		logger: slog.Default(),
	}
	for _, s := range sweeps {
		h.sweeps[s.Name] = &entry{Sweep: s}
		h.order = append(h.order, s.Name)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Names lists the registered sweeps in registration order.
func (h *Handle) Names() []string {
	return append([]string(nil), h.order...)
}

// Start launches the tickers. Calling Start on a running handle is a no-op.
func (h *Handle) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	for _, name := range h.order {
		e := h.sweeps[name]
		if e.Interval <= 0 {
			h.logger.Warn("scheduler: sweep disabled", "sweep", name)
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.loop(ctx, e)
		}()
	}
	h.logger.Info("scheduler: started", "sweeps", len(h.order))
}

// Stop cancels the tickers and waits for in-flight runs to finish.
func (h *Handle) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.logger.Info("scheduler: stopped")
}

func (h *Handle) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A started batch runs to completion even when Stop is called.
			if _, err := h.run(context.WithoutCancel(ctx), e); err != nil {
				h.logger.Error("scheduler: sweep failed", "sweep", e.Name, "error", err)
			}
		}
	}
}

// Run executes a sweep immediately. A run that finds the same sweep already
// in progress returns a skipped result.
func (h *Handle) Run(ctx context.Context, name string) (Result, error) {
	e, ok := h.sweeps[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	return h.run(ctx, e)
}

func (h *Handle) run(ctx context.Context, e *entry) (Result, error) {
	if !e.running.TryLock() {
		return Result{Sweep: e.Name, Skipped: true}, nil
	}
	defer e.running.Unlock()

	ctx, span := h.tracer.Start(ctx, "sweep "+e.Name, trace.WithAttributes(attribute.String("sweep.name", e.Name)))
	defer span.End()
	logger := h.logger.With("sweep", e.Name)
	ctx = logging.ContextWithLogger(ctx, logger)

	start := time.Now()
	res, err := e.Run(ctx)
	res.Sweep = e.Name
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("sweep.processed", res.Processed),
		attribute.Bool("sweep.skipped", res.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Processed > 0 {
		logger.Info("scheduler: sweep done", "processed", res.Processed, "duration", res.Duration)
	} else {
		logger.Debug("scheduler: sweep done", "skipped", res.Skipped, "duration", res.Duration)
	}
	return res, nil
}
