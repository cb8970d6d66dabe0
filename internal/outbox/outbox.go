// Package outbox delivers notifications written in the same transaction as
// the state change that caused them. Delivery is at least once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/store"
)

const (
	DefaultBatchSize  = 10
	DefaultMaxRetries = 5
	DefaultCooldown   = 5 * time.Minute
	DefaultStaleAfter = 15 * time.Minute
	DefaultRetention  = 7 * 24 * time.Hour

	maxErrorLen = 1000
)

// Handler delivers one message type to the external channel.
type Handler interface {
	Handle(ctx context.Context, msg store.OutboxMessage) error
}

type HandlerFunc func(ctx context.Context, msg store.OutboxMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg store.OutboxMessage) error { return f(ctx, msg) }

type Config struct {
	BatchSize  int
	MaxRetries int
	Cooldown   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

type Outbox struct {
	store  store.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	draining atomic.Bool
}

type Option func(*Outbox)

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

func New(st store.Store, cfg Config, opts ...Option) *Outbox {
	o := &Outbox{
		store:    st,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Outbox) Config() Config { return o.cfg }

// Register sets the handler for a message type.
func (o *Outbox) Register(typ string, h Handler) {
	o.mu.Lock()
	o.handlers[typ] = h
	o.mu.Unlock()
}

// Enqueue writes a pending message using the caller's transaction. The
// message exists if and only if that transaction commits.
func (o *Outbox) Enqueue(ctx context.Context, tx store.Tx, typ string, payload any, sessionID *int64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode %s payload: %w", typ, err)
	}
	msg := &store.OutboxMessage{
		ID:        uuid.New(),
		Type:      typ,
		Payload:   raw,
		SessionID: sessionID,
		Status:    store.OutboxPending,
		CreatedAt: o.now(),
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", typ, err)
	}
	return nil
}

type DrainResult struct {
	Skipped   bool
	Claimed   int
	Sent      int
	Failed    int
	Abandoned int
}

// Drain claims one batch and attempts delivery of each message. A drain that
// starts while another is running in this process returns Skipped.
func (o *Outbox) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !o.draining.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer o.draining.Store(false)

	logger := logging.FromContext(ctx, o.logger)
	claim := store.OutboxClaim{
		Now:        o.now(),
		Cooldown:   o.cfg.Cooldown,
		StaleAfter: o.cfg.StaleAfter,
		MaxRetries: o.cfg.MaxRetries,
		Limit:      o.cfg.BatchSize,
	}
	var batch []store.OutboxMessage
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		batch, err = tx.ClaimOutbox(ctx, claim)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("outbox: claim batch: %w", err)
	}

	for _, msg := range batch {
		res.Claimed++
		if derr := o.dispatch(ctx, msg); derr != nil {
			res.Failed++
			retries, err := o.markFailed(ctx, msg, derr)
			if err != nil {
				logger.Error("outbox: failed to record delivery failure", "id", msg.ID, "type", msg.Type, "error", err)
				continue
			}
			if retries >= o.cfg.MaxRetries {
				res.Abandoned++
				logger.Error("outbox: message abandoned after max retries",
					"id", msg.ID, "type", msg.Type, "session_id", sessionRef(msg), "retries", retries, "error", derr)
			} else {
				logger.Warn("outbox: delivery failed", "id", msg.ID, "type", msg.Type, "retries", retries, "error", derr)
			}
			continue
		}
		if err := o.markSent(ctx, msg); err != nil {
			logger.Error("outbox: failed to mark message sent", "id", msg.ID, "type", msg.Type, "error", err)
			continue
		}
		res.Sent++
	}
	if res.Claimed > 0 {
		logger.Info("outbox: drained batch", "claimed", res.Claimed, "sent", res.Sent, "failed", res.Failed)
	}
	return res, nil
}

func sessionRef(msg store.OutboxMessage) int64 {
	if msg.SessionID == nil {
		return 0
	}
	return *msg.SessionID
}

func (o *Outbox) dispatch(ctx context.Context, msg store.OutboxMessage) error {
	o.mu.RLock()
	h, ok := o.handlers[msg.Type]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for message type %q", msg.Type)
	}
	return h.Handle(ctx, msg)
}

func (o *Outbox) markSent(ctx context.Context, msg store.OutboxMessage) error {
	return o.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkOutboxSent(ctx, msg.ID, o.now())
	})
}

func (o *Outbox) markFailed(ctx context.Context, msg store.OutboxMessage, cause error) (int, error) {
	text := cause.Error()
	if len(text) > maxErrorLen {
		text = text[:maxErrorLen]
	}
	var retries int
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		retries, err = tx.MarkOutboxFailed(ctx, msg.ID, o.now(), text)
		return err
	})
	return retries, err
}

// Cleanup deletes sent messages older than the retention window.
func (o *Outbox) Cleanup(ctx context.Context) (int64, error) {
	before := o.now().Add(-o.cfg.Retention)
	var n int64
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.PurgeSentOutbox(ctx, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	if n > 0 {
		logging.FromContext(ctx, o.logger).Info("outbox: purged sent messages", "count", n)
	}
	return n, nil
}

// Abandoned lists failed messages that exhausted their retries.
func (o *Outbox) Abandoned(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	var out []store.OutboxMessage
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOutbox(ctx, store.OutboxQuery{
			Status:     store.OutboxFailed,
			MinRetries: o.cfg.MaxRetries,
			Limit:      limit,
		})
		return err
	})
	return out, err
}
