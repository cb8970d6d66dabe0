package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

var errNoChannel = errors.New("notify: no channel configured for session")

// Registrar accepts outbox handlers.
type Registrar interface {
	Register(typ string, h outbox.Handler)
}

// Handlers delivers each outbox message type through a ChannelClient. A
// session that no longer exists is skipped rather than retried.
type Handlers struct {
	store     store.Store
	client    ChannelClient
	channelID string
	logger    *slog.Logger
}

type Option func(*Handlers)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// NewHandlers posts to channelID unless a session already carries its own
// channel reference.
func NewHandlers(st store.Store, client ChannelClient, channelID string, opts ...Option) *Handlers {
	h := &Handlers{store: st, client: client, channelID: channelID}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) Register(r Registrar) {
	r.Register(outbox.TypeAnnounce, outbox.HandlerFunc(h.announce))
	r.Register(outbox.TypeUpdate, outbox.HandlerFunc(h.update))
	r.Register(outbox.TypeCancel, outbox.HandlerFunc(h.cancel))
	r.Register(outbox.TypeReminder, outbox.HandlerFunc(h.reminder))
	r.Register(outbox.TypeCompletion, outbox.HandlerFunc(h.completion))
	r.Register(outbox.TypeTasks, outbox.HandlerFunc(h.tasks))
}

func (h *Handlers) channel(s store.Session) string {
	if s.ChannelID != "" {
		return s.ChannelID
	}
	return h.channelID
}

func (h *Handlers) skip(ctx context.Context, msg store.OutboxMessage, sessionID int64, why string) error {
	logging.FromContext(ctx, h.logger).Debug("notify: skipped",
		"type", msg.Type, "outbox_id", msg.ID, "session_id", sessionID, "reason", why)
	return nil
}

func names(ctx context.Context, tx store.Tx) (map[string]string, error) {
	ps, err := tx.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.ID] = p.DisplayName
	}
	return out, nil
}

// view loads the render state of a session. It returns nil when the session
// is gone.
func (h *Handlers) view(ctx context.Context, id int64) (*View, error) {
	var v View
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		s, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		v.Session = *s
		if v.Records, err = tx.ListAttendance(ctx, id); err != nil {
			return err
		}
		v.Names, err = names(ctx, tx)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", id, err)
	}
	return &v, nil
}

func (h *Handlers) announce(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.SessionPayload](msg)
	if err != nil {
		return err
	}
	v, err := h.view(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if v == nil {
		return h.skip(ctx, msg, p.SessionID, "session deleted")
	}
	s := v.Session
	if s.IsTemplate || s.Status == session.StatusCancelled || (!s.Announced() && !s.Status.Open()) {
		return h.skip(ctx, msg, s.ID, "not announceable")
	}
	rendered := RenderSession(*v)
	if s.Announced() {
		return h.client.UpdateMessage(ctx, s.ChannelID, s.MessageID, rendered)
	}
	ch := h.channel(s)
	if ch == "" {
		return errNoChannel
	}
	messageID, err := h.client.SendMessage(ctx, ch, rendered)
	if err != nil {
		return err
	}
	err = h.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetMessageRef(ctx, s.ID, ch, messageID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return h.skip(ctx, msg, s.ID, "session deleted after post")
	}
	if err != nil {
		return fmt.Errorf("store message ref: %w", err)
	}
	logging.FromContext(ctx, h.logger).Info("notify: session announced", "session_id", s.ID, "message_id", messageID)
	return nil
}

func (h *Handlers) update(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.SessionPayload](msg)
	if err != nil {
		return err
	}
	v, err := h.view(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if v == nil {
		return h.skip(ctx, msg, p.SessionID, "session deleted")
	}
	if !v.Session.Announced() {
		return h.skip(ctx, msg, p.SessionID, "not announced yet")
	}
	return h.client.UpdateMessage(ctx, v.Session.ChannelID, v.Session.MessageID, RenderSession(*v))
}

func (h *Handlers) cancel(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.CancelPayload](msg)
	if err != nil {
		return err
	}
	v, err := h.view(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if v == nil {
		return h.skip(ctx, msg, p.SessionID, "session deleted")
	}
	if !v.Session.Announced() {
		return h.skip(ctx, msg, p.SessionID, "never announced")
	}
	_, err = h.client.SendMessage(ctx, v.Session.ChannelID, RenderCancel(v.Session, p.Reason))
	return err
}

func (h *Handlers) reminder(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.ReminderPayload](msg)
	if err != nil {
		return err
	}
	v, err := h.view(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if v == nil {
		return h.skip(ctx, msg, p.SessionID, "session deleted")
	}
	if !v.Session.Status.Open() {
		return h.skip(ctx, msg, p.SessionID, "session closed")
	}
	ch := h.channel(v.Session)
	if ch == "" {
		return errNoChannel
	}
	_, err = h.client.SendMessage(ctx, ch, RenderReminder(v.Session, store.ReminderKind(p.Kind), p.Mentions))
	return err
}

func (h *Handlers) completion(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.SessionPayload](msg)
	if err != nil {
		return err
	}
	var (
		s *store.Session
		c *store.Completion
	)
	err = h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if s, err = tx.GetSession(ctx, p.SessionID); err != nil {
			return err
		}
		c, err = tx.GetCompletion(ctx, p.SessionID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return h.skip(ctx, msg, p.SessionID, "session or summary deleted")
	}
	if err != nil {
		return err
	}
	ch := h.channel(*s)
	if ch == "" {
		return errNoChannel
	}
	_, err = h.client.SendMessage(ctx, ch, RenderCompletion(*s, *c))
	return err
}

func (h *Handlers) tasks(ctx context.Context, msg store.OutboxMessage) error {
	p, err := outbox.Decode[outbox.SessionPayload](msg)
	if err != nil {
		return err
	}
	var (
		s  *store.Session
		a  *store.TaskAssignment
		nm map[string]string
	)
	err = h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if s, err = tx.GetSession(ctx, p.SessionID); err != nil {
			return err
		}
		if a, err = tx.GetTaskAssignment(ctx, p.SessionID); err != nil {
			return err
		}
		nm, err = names(ctx, tx)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return h.skip(ctx, msg, p.SessionID, "session or tasks deleted")
	}
	if err != nil {
		return err
	}
	if !s.Status.Open() {
		return h.skip(ctx, msg, s.ID, "session closed")
	}
	ch := h.channel(*s)
	if ch == "" {
		return errNoChannel
	}
	_, err = h.client.SendMessage(ctx, ch, RenderTasks(*s, *a, nm))
	return err
}
