package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/susu3304/sessionbot/internal/store"
)

func (t *tx) UpsertAttendance(_ context.Context, a *store.Attendance) error {
	if _, ok := t.st.sessions[a.SessionID]; !ok {
		return fmt.Errorf("session %d: %w", a.SessionID, store.ErrNotFound)
	}
	recs := t.st.attendance[a.SessionID]
	if recs == nil {
		recs = make(map[string]store.Attendance)
		t.st.attendance[a.SessionID] = recs
	}
	recs[a.ParticipantID] = *a
	return nil
}

func (t *tx) DeleteAttendance(_ context.Context, sessionID int64, participantID string) (bool, error) {
	recs := t.st.attendance[sessionID]
	if _, ok := recs[participantID]; !ok {
		return false, nil
	}
	delete(recs, participantID)
	return true, nil
}

func (t *tx) ListAttendance(_ context.Context, sessionID int64) ([]store.Attendance, error) {
	recs := t.st.attendance[sessionID]
	out := make([]store.Attendance, 0, len(recs))
	for _, a := range recs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (t *tx) UpsertParticipant(_ context.Context, p store.Participant) error {
	if cur, ok := t.st.participants[p.ID]; ok && p.DisplayName == "" {
		p.DisplayName = cur.DisplayName
	}
	t.st.participants[p.ID] = p
	return nil
}

func (t *tx) ListParticipants(_ context.Context) ([]store.Participant, error) {
	out := make([]store.Participant, 0, len(t.st.participants))
	for _, p := range t.st.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertReminder(_ context.Context, r *store.Reminder) error {
	if _, ok := t.st.sessions[r.SessionID]; !ok {
		return fmt.Errorf("session %d: %w", r.SessionID, store.ErrNotFound)
	}
	t.st.nextReminderID++
	r.ID = t.st.nextReminderID
	t.st.reminders[r.ID] = *r
	return nil
}

func (t *tx) DueReminders(_ context.Context, now time.Time) ([]store.Reminder, error) {
	var out []store.Reminder
	for _, r := range t.st.reminders {
		if r.Sent || r.SendAt.After(now) {
			continue
		}
		s, ok := t.st.sessions[r.SessionID]
		if !ok || s.IsTemplate || !s.Status.Open() || !s.Start.After(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SendAt.Before(out[j].SendAt)
	})
	return out, nil
}

func (t *tx) MarkReminderSent(_ context.Context, id int64, at time.Time) (bool, error) {
	r, ok := t.st.reminders[id]
	if !ok {
		return false, fmt.Errorf("reminder %d: %w", id, store.ErrNotFound)
	}
	if r.Sent {
		return false, nil
	}
	r.Sent = true
	r.SentAt = &at
	t.st.reminders[id] = r
	return true, nil
}

func (t *tx) VoidReminders(_ context.Context, sessionID int64, at time.Time) (int64, error) {
	var n int64
	for id, r := range t.st.reminders {
		if r.SessionID != sessionID || r.Sent {
			continue
		}
		r.Sent = true
		r.SentAt = &at
		t.st.reminders[id] = r
		n++
	}
	return n, nil
}

func (t *tx) EnqueueOutbox(_ context.Context, m *store.OutboxMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if t.outboxIndex(m.ID) >= 0 {
		return fmt.Errorf("outbox %s: %w", m.ID, store.ErrConflict)
	}
	if m.Status == "" {
		m.Status = store.OutboxPending
	}
	t.st.outbox = append(t.st.outbox, *m)
	return nil
}

func claimable(m store.OutboxMessage, c store.OutboxClaim) bool {
	if m.RetryCount >= c.MaxRetries {
		return false
	}
	switch m.Status {
	case store.OutboxPending, store.OutboxFailed:
		return m.LastAttemptAt == nil || m.LastAttemptAt.Before(c.Now.Add(-c.Cooldown))
	case store.OutboxProcessing:
		return c.StaleAfter > 0 && m.LastAttemptAt != nil && m.LastAttemptAt.Before(c.Now.Add(-c.StaleAfter))
	}
	return false
}

func (t *tx) ClaimOutbox(_ context.Context, c store.OutboxClaim) ([]store.OutboxMessage, error) {
	var idx []int
	for i, m := range t.st.outbox {
		if claimable(m, c) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return t.st.outbox[idx[a]].CreatedAt.Before(t.st.outbox[idx[b]].CreatedAt)
	})
	if c.Limit > 0 && len(idx) > c.Limit {
		idx = idx[:c.Limit]
	}
	out := make([]store.OutboxMessage, 0, len(idx))
	for _, i := range idx {
		now := c.Now
		t.st.outbox[i].Status = store.OutboxProcessing
		t.st.outbox[i].LastAttemptAt = &now
		out = append(out, t.st.outbox[i])
	}
	return out, nil
}

func (t *tx) MarkOutboxSent(_ context.Context, id uuid.UUID, at time.Time) error {
	i := t.outboxIndex(id)
	if i < 0 {
		return fmt.Errorf("outbox %s: %w", id, store.ErrNotFound)
	}
	t.st.outbox[i].Status = store.OutboxSent
	t.st.outbox[i].SentAt = &at
	return nil
}

func (t *tx) MarkOutboxFailed(_ context.Context, id uuid.UUID, at time.Time, lastError string) (int, error) {
	i := t.outboxIndex(id)
	if i < 0 {
		return 0, fmt.Errorf("outbox %s: %w", id, store.ErrNotFound)
	}
	m := &t.st.outbox[i]
	m.Status = store.OutboxFailed
	m.RetryCount++
	m.LastError = lastError
	m.LastAttemptAt = &at
	return m.RetryCount, nil
}

func (t *tx) PurgeSentOutbox(_ context.Context, before time.Time) (int64, error) {
	kept := t.st.outbox[:0:0]
	var n int64
	for _, m := range t.st.outbox {
		if m.Status == store.OutboxSent && m.SentAt != nil && m.SentAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	t.st.outbox = kept
	return n, nil
}

func (t *tx) VoidOutbox(_ context.Context, sessionID int64) (int64, error) {
	kept := t.st.outbox[:0:0]
	var n int64
	for _, m := range t.st.outbox {
		undelivered := m.Status == store.OutboxPending || m.Status == store.OutboxFailed
		if undelivered && m.SessionID != nil && *m.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	t.st.outbox = kept
	return n, nil
}

func (t *tx) ListOutbox(_ context.Context, q store.OutboxQuery) ([]store.OutboxMessage, error) {
	var out []store.OutboxMessage
	for _, m := range t.st.outbox {
		if q.Status != "" && m.Status != q.Status {
			continue
		}
		if m.RetryCount < q.MinRetries {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *tx) InsertCompletion(_ context.Context, c store.Completion) (bool, error) {
	if _, ok := t.st.completions[c.SessionID]; ok {
		return false, nil
	}
	c.Attendees = append([]string(nil), c.Attendees...)
	t.st.completions[c.SessionID] = c
	return true, nil
}

func (t *tx) GetCompletion(_ context.Context, sessionID int64) (*store.Completion, error) {
	c, ok := t.st.completions[sessionID]
	if !ok {
		return nil, fmt.Errorf("completion %d: %w", sessionID, store.ErrNotFound)
	}
	return &c, nil
}

func (t *tx) InsertTaskAssignment(_ context.Context, a store.TaskAssignment) (bool, error) {
	if _, ok := t.st.tasks[a.SessionID]; ok {
		return false, nil
	}
	t.st.tasks[a.SessionID] = a
	return true, nil
}

func (t *tx) GetTaskAssignment(_ context.Context, sessionID int64) (*store.TaskAssignment, error) {
	a, ok := t.st.tasks[sessionID]
	if !ok {
		return nil, fmt.Errorf("tasks %d: %w", sessionID, store.ErrNotFound)
	}
	return &a, nil
}
