// Package series manages recurring templates and the sessions expanded from
// them.
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/recurrence"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

const (
	// DefaultExtendCount is how many instances Extend adds when no count is given.
	DefaultExtendCount = 12

	// topUpThreshold is the number of upcoming instances below which TopUp
	// extends a series.
	topUpThreshold = 4
)

// Sessions writes sessions inside the caller's transaction.
type Sessions interface {
	Insert(ctx context.Context, tx store.Tx, sess *store.Session) error
	Edit(ctx context.Context, tx store.Tx, sess *store.Session, p lifecycle.Patch) error
	Remove(ctx context.Context, tx store.Tx, id int64) error
}

type Service struct {
	store    store.Store
	sessions Sessions
	gen      *recurrence.Generator
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(st store.Store, sessions Sessions, gen *recurrence.Generator, opts ...Option) *Service {
	s := &Service{store: st, sessions: sessions, gen: gen, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Series is a template with the instances written alongside it.
type Series struct {
	Template  *store.Session  `json:"template"`
	Instances []store.Session `json:"instances"`
}

// CreateSeries writes the template and its initial instances, with their
// reminders, in one transaction.
func (s *Service) CreateSeries(ctx context.Context, d lifecycle.Draft, rule recurrence.Rule) (*Series, error) {
	tmpl, err := d.Build()
	if err != nil {
		return nil, err
	}
	occs, err := s.gen.Expand(rule, tmpl.Start, tmpl.End)
	if err != nil {
		return nil, err
	}
	tmpl.IsTemplate = true
	tmpl.Recurrence = &rule
	want := rule.EndCount
	if want == 0 {
		want = recurrence.DefaultCap
	}
	if occs, err = s.upcoming(tmpl, occs, want); err != nil {
		return nil, err
	}

	out := &Series{Template: tmpl}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := s.sessions.Insert(ctx, tx, tmpl); err != nil {
			return err
		}
		out.Instances, err = s.insertAll(ctx, tx, tmpl, occs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("series: created",
		"template_id", tmpl.ID, "pattern", rule.Pattern, "instances", len(out.Instances))
	return out, nil
}

func (s *Service) insertAll(ctx context.Context, tx store.Tx, tmpl *store.Session, occs []recurrence.Occurrence) ([]store.Session, error) {
	out := make([]store.Session, 0, len(occs))
	for _, occ := range occs {
		inst := s.instance(tmpl, occ)
		if err := s.sessions.Insert(ctx, tx, inst); err != nil {
			return nil, fmt.Errorf("instance %d: %w", occ.Index, err)
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (s *Service) instance(tmpl *store.Session, occ recurrence.Occurrence) *store.Session {
	parent := tmpl.ID
	return &store.Session{
		Title:       s.gen.Title(tmpl.Title, occ.Start),
		Description: tmpl.Description,
		Start:       occ.Start,
		End:         occ.End,
		MinPlayers:  tmpl.MinPlayers,
		MaxPlayers:  tmpl.MaxPlayers,
		Status:      session.StatusScheduled,
		Offsets:     tmpl.Offsets,
		ParentID:    &parent,
	}
}

func lockTemplate(ctx context.Context, tx store.Tx, id int64) (*store.Session, error) {
	tmpl, err := tx.LockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsTemplate || tmpl.Recurrence == nil {
		return nil, fmt.Errorf("session %d: %w", id, session.ErrNotTemplate)
	}
	return tmpl, nil
}

// Extend continues the series after its latest instance. A count of zero
// means DefaultExtendCount. The rule's end date and end count still apply.
func (s *Service) Extend(ctx context.Context, templateID int64, count int) ([]store.Session, error) {
	if count <= 0 {
		count = DefaultExtendCount
	}
	var out []store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.extend(ctx, tx, templateID, count)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extend series %d: %w", templateID, err)
	}
	return out, nil
}

func (s *Service) extend(ctx context.Context, tx store.Tx, templateID int64, count int) ([]store.Session, error) {
	tmpl, err := lockTemplate(ctx, tx, templateID)
	if err != nil {
		return nil, err
	}
	produced, err := tx.CountInstances(ctx, templateID)
	if err != nil {
		return nil, err
	}

	var occs []recurrence.Occurrence
	last, err := tx.LastInstance(ctx, templateID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		occs, err = s.gen.Expand(*tmpl.Recurrence, tmpl.Start, tmpl.End)
		if len(occs) > count {
			occs = occs[:count]
		}
	case err == nil:
		occs, err = s.gen.Extend(*tmpl.Recurrence, tmpl.Start, tmpl.End, last.Start, produced, count)
	}
	if err != nil {
		return nil, err
	}
	if occs, err = s.upcoming(tmpl, occs, count); err != nil {
		return nil, err
	}
	return s.insertAll(ctx, tx, tmpl, occs)
}

// upcoming drops occurrences that start at or before now and generates
// replacements after the batch until count remain or the rule ends. Dropped
// occurrences still count toward the rule's end count.
func (s *Service) upcoming(tmpl *store.Session, batch []recurrence.Occurrence, count int) ([]recurrence.Occurrence, error) {
	now := s.now()
	var out []recurrence.Occurrence
	for len(batch) > 0 && len(out) < count {
		for _, occ := range batch {
			if len(out) < count && occ.Start.After(now) {
				out = append(out, occ)
			}
		}
		if len(out) >= count {
			break
		}
		last := batch[len(batch)-1]
		var err error
		batch, err = s.gen.Extend(*tmpl.Recurrence, tmpl.Start, tmpl.End, last.Start, last.Index, count-len(out))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TemplatePatch edits a template. With Propagate set, the title, description,
// player limits and offsets are copied onto upcoming open instances.
type TemplatePatch struct {
	lifecycle.Patch
	Recurrence *recurrence.Rule `json:"recurrence"`
	Propagate  bool             `json:"propagate"`
}

// UpdateTemplate edits a template and returns it with the number of
// instances the change was propagated to.
func (s *Service) UpdateTemplate(ctx context.Context, id int64, p TemplatePatch) (*store.Session, int, error) {
	var (
		out     *store.Session
		touched int
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		tmpl, err := lockTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Recurrence != nil {
			start := tmpl.Start
			if p.Start != nil {
				start = *p.Start
			}
			if err := p.Recurrence.Validate(start); err != nil {
				return err
			}
			rule := *p.Recurrence
			tmpl.Recurrence = &rule
		}
		if err := s.sessions.Edit(ctx, tx, tmpl, p.Patch); err != nil {
			return err
		}
		out = tmpl
		if !p.Propagate {
			return nil
		}
		touched, err = s.propagate(ctx, tx, tmpl, p.Patch)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("update template %d: %w", id, err)
	}
	return out, touched, nil
}

func (s *Service) propagate(ctx context.Context, tx store.Tx, tmpl *store.Session, p lifecycle.Patch) (int, error) {
	now := s.now()
	instances, err := tx.ListSessions(ctx, store.SessionQuery{
		Statuses:   session.OpenStatuses,
		ParentID:   &tmpl.ID,
		StartAfter: &now,
	})
	if err != nil {
		return 0, err
	}
	for i := range instances {
		inst := &instances[i]
		edit := lifecycle.Patch{
			Description: p.Description,
			MinPlayers:  p.MinPlayers,
			MaxPlayers:  p.MaxPlayers,
			Offsets:     p.Offsets,
		}
		if p.Title != nil {
			title := s.gen.Title(tmpl.Title, inst.Start)
			edit.Title = &title
		}
		if err := s.sessions.Edit(ctx, tx, inst, edit); err != nil {
			return 0, fmt.Errorf("instance %d: %w", inst.ID, err)
		}
	}
	return len(instances), nil
}

// DeleteTemplate removes a template. With deleteFuture set, instances that
// have not started yet are removed with it; the rest are kept as one-off
// sessions.
func (s *Service) DeleteTemplate(ctx context.Context, id int64, deleteFuture bool) (int, error) {
	removed := 0
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockTemplate(ctx, tx, id); err != nil {
			return err
		}
		if deleteFuture {
			now := s.now()
			instances, err := tx.ListSessions(ctx, store.SessionQuery{ParentID: &id, StartAfter: &now})
			if err != nil {
				return err
			}
			for _, inst := range instances {
				if err := s.sessions.Remove(ctx, tx, inst.ID); err != nil {
					return err
				}
				removed++
			}
		}
		return tx.DeleteSession(ctx, id)
	})
	if err != nil {
		return 0, fmt.Errorf("delete template %d: %w", id, err)
	}
	logging.FromContext(ctx, s.logger).Info("series: template deleted", "template_id", id, "instances_removed", removed)
	return removed, nil
}

// Get returns a template.
func (s *Service) Get(ctx context.Context, id int64) (*store.Session, error) {
	var out *store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = lockTemplate(ctx, tx, id)
		return err
	})
	return out, err
}

// Instances lists a template's instances in start order.
func (s *Service) Instances(ctx context.Context, templateID int64, upcomingOnly bool, limit int) ([]store.Session, error) {
	q := store.SessionQuery{ParentID: &templateID, Limit: limit}
	if upcomingOnly {
		now := s.now()
		q.StartAfter = &now
	}
	var out []store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockTemplate(ctx, tx, templateID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListSessions(ctx, q)
		return err
	})
	return out, err
}

// TopUp extends every series that is running low on upcoming instances and
// returns how many instances were added. A failing template is logged and
// skipped.
func (s *Service) TopUp(ctx context.Context) (int, error) {
	var templates []store.Session
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		templates, err = tx.ListSessions(ctx, store.SessionQuery{Templates: true})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}

	logger := logging.FromContext(ctx, s.logger)
	added := 0
	for _, tmpl := range templates {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		var n int
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			now := s.now()
			upcoming, err := tx.ListSessions(ctx, store.SessionQuery{
				Statuses:   session.OpenStatuses,
				ParentID:   &tmpl.ID,
				StartAfter: &now,
			})
			if err != nil || len(upcoming) >= topUpThreshold {
				return err
			}
			created, err := s.extend(ctx, tx, tmpl.ID, DefaultExtendCount)
			n = len(created)
			return err
		})
		if err != nil {
			logger.Error("series: top-up failed", "template_id", tmpl.ID, "error", err)
			continue
		}
		if n > 0 {
			logger.Info("series: topped up", "template_id", tmpl.ID, "instances", n)
		}
		added += n
	}
	return added, nil
}
