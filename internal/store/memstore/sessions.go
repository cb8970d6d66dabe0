package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

func copySession(s store.Session) store.Session {
	if s.Recurrence != nil {
		r := *s.Recurrence
		if r.EndDate != nil {
			d := *r.EndDate
			r.EndDate = &d
		}
		s.Recurrence = &r
	}
	if s.ParentID != nil {
		p := *s.ParentID
		s.ParentID = &p
	}
	return s
}

func sortByStart(out []store.Session) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
}

func (t *tx) InsertSession(_ context.Context, s *store.Session) error {
	t.st.nextSessionID++
	s.ID = t.st.nextSessionID
	if s.Status == "" {
		s.Status = session.StatusScheduled
	}
	t.st.sessions[s.ID] = copySession(*s)
	return nil
}

func (t *tx) GetSession(_ context.Context, id int64) (*store.Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	c := copySession(s)
	return &c, nil
}

func (t *tx) LockSession(ctx context.Context, id int64) (*store.Session, error) {
	return t.GetSession(ctx, id)
}

func (t *tx) UpdateSession(_ context.Context, s *store.Session) error {
	cur, ok := t.st.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %d: %w", s.ID, store.ErrNotFound)
	}
	cur.Title = s.Title
	cur.Description = s.Description
	cur.Start = s.Start
	cur.End = s.End
	cur.MinPlayers = s.MinPlayers
	cur.MaxPlayers = s.MaxPlayers
	cur.Offsets = s.Offsets
	cur.Recurrence = s.Recurrence
	cur.UpdatedAt = s.UpdatedAt
	t.st.sessions[s.ID] = copySession(cur)
	return nil
}

func (t *tx) DeleteSession(_ context.Context, id int64) error {
	if _, ok := t.st.sessions[id]; !ok {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	delete(t.st.sessions, id)
	delete(t.st.attendance, id)
	delete(t.st.completions, id)
	delete(t.st.tasks, id)
	for rid, r := range t.st.reminders {
		if r.SessionID == id {
			delete(t.st.reminders, rid)
		}
	}
	for sid, s := range t.st.sessions {
		if s.ParentID != nil && *s.ParentID == id {
			s.ParentID = nil
			t.st.sessions[sid] = s
		}
	}
	for i := range t.st.outbox {
		if ref := t.st.outbox[i].SessionID; ref != nil && *ref == id {
			t.st.outbox[i].SessionID = nil
		}
	}
	return nil
}

func (t *tx) ListSessions(_ context.Context, q store.SessionQuery) ([]store.Session, error) {
	var out []store.Session
	for _, s := range t.st.sessions {
		if s.IsTemplate != q.Templates {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
			continue
		}
		if q.ParentID != nil && (s.ParentID == nil || *s.ParentID != *q.ParentID) {
			continue
		}
		if q.StartAfter != nil && !s.Start.After(*q.StartAfter) {
			continue
		}
		out = append(out, copySession(s))
	}
	sortByStart(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *tx) SetStatus(_ context.Context, id int64, from []session.Status, to session.Status, change store.StatusChange) (bool, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return false, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	if !slices.Contains(from, s.Status) {
		return false, nil
	}
	at := change.At
	s.Status = to
	s.UpdatedAt = at
	switch to {
	case session.StatusConfirmed:
		s.ConfirmedAt = &at
	case session.StatusCancelled:
		s.CancelledAt = &at
		s.CancelReason = change.Reason
	case session.StatusCompleted:
		s.CompletedAt = &at
	}
	t.st.sessions[id] = s
	return true, nil
}

func (t *tx) MarkAnnounceQueued(_ context.Context, id int64, at time.Time) (bool, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return false, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	if s.AnnounceQueuedAt != nil {
		return false, nil
	}
	s.AnnounceQueuedAt = &at
	t.st.sessions[id] = s
	return true, nil
}

func (t *tx) SetMessageRef(_ context.Context, id int64, channelID, messageID string) error {
	s, ok := t.st.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	s.ChannelID = channelID
	s.MessageID = messageID
	t.st.sessions[id] = s
	return nil
}

func (t *tx) SetCounts(_ context.Context, id int64, counts session.Counts) error {
	s, ok := t.st.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	s.Counts = counts
	t.st.sessions[id] = s
	return nil
}

func (t *tx) due(match func(s store.Session) bool) []store.Session {
	var out []store.Session
	for _, s := range t.st.sessions {
		if s.IsTemplate || !match(s) {
			continue
		}
		out = append(out, copySession(s))
	}
	sortByStart(out)
	return out
}

func (t *tx) DueAnnouncements(_ context.Context, now time.Time) ([]store.Session, error) {
	return t.due(func(s store.Session) bool {
		return s.Status.Open() && s.MessageID == "" && s.AnnounceQueuedAt == nil &&
			s.Start.After(now) && !s.Offsets.AnnounceAt(s.Start).After(now)
	}), nil
}

func (t *tx) DueConfirmations(_ context.Context, now time.Time) ([]store.Session, error) {
	return t.due(func(s store.Session) bool {
		return s.Status == session.StatusScheduled &&
			s.Start.After(now) && !s.Offsets.ConfirmAt(s.Start).After(now)
	}), nil
}

func (t *tx) DueAutoCancels(_ context.Context, now time.Time) ([]store.Session, error) {
	return t.due(func(s store.Session) bool {
		return s.Status.Open() &&
			s.Start.After(now) && !s.Offsets.AutoCancelAt(s.Start).After(now)
	}), nil
}

func (t *tx) DueCompletions(_ context.Context, cutoff time.Time) ([]store.Session, error) {
	return t.due(func(s store.Session) bool {
		return s.Status.Open() && s.Start.Before(cutoff)
	}), nil
}

func (t *tx) DueTaskGeneration(_ context.Context, now, horizon time.Time) ([]store.Session, error) {
	return t.due(func(s store.Session) bool {
		_, done := t.st.tasks[s.ID]
		return !done && s.Status == session.StatusConfirmed &&
			s.Start.After(now) && !s.Start.After(horizon)
	}), nil
}

func (t *tx) LastInstance(_ context.Context, templateID int64) (*store.Session, error) {
	var last *store.Session
	for _, s := range t.st.sessions {
		if s.ParentID == nil || *s.ParentID != templateID {
			continue
		}
		if last == nil || s.Start.After(last.Start) {
			c := copySession(s)
			last = &c
		}
	}
	if last == nil {
		return nil, fmt.Errorf("instances of %d: %w", templateID, store.ErrNotFound)
	}
	return last, nil
}

func (t *tx) CountInstances(_ context.Context, templateID int64) (int, error) {
	n := 0
	for _, s := range t.st.sessions {
		if s.ParentID != nil && *s.ParentID == templateID {
			n++
		}
	}
	return n, nil
}
