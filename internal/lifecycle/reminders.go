package lifecycle

import (
	"context"
	"time"

	"github.com/susu3304/sessionbot/internal/store"
)

const followupLead = 48 * time.Hour

// PlanReminders returns the reminders a session should get, dropping the ones
// whose send time is not after now.
func PlanReminders(s *store.Session, now time.Time) []store.Reminder {
	plan := []store.Reminder{
		{Kind: store.ReminderInitial, Audience: store.AudienceAll, SendAt: s.Offsets.AnnounceAt(s.Start)},
		{Kind: store.ReminderFollowup, Audience: store.AudienceNonResponders, SendAt: s.Start.Add(-followupLead)},
		{Kind: store.ReminderFinal, Audience: store.AudienceMaybeResponders, SendAt: s.Offsets.ReminderAt(s.Start)},
	}
	out := plan[:0]
	for _, r := range plan {
		if !r.SendAt.After(now) {
			continue
		}
		r.SessionID = s.ID
		out = append(out, r)
	}
	return out
}

func scheduleReminders(ctx context.Context, tx store.Tx, s *store.Session, now time.Time) error {
	for _, r := range PlanReminders(s, now) {
		if err := tx.InsertReminder(ctx, &r); err != nil {
			return err
		}
	}
	return nil
}
