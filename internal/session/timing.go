package session

import "time"

const (
	DefaultMinPlayers = 3
	DefaultMaxPlayers = 6

	// CompletionGrace is how long after start a still-open session is completed.
	CompletionGrace = 6 * time.Hour
)

// Offsets are the per-session trigger points, in hours before start.
type Offsets struct {
	AnnounceHours   int `json:"announce_hours"`
	ReminderHours   int `json:"reminder_hours"`
	ConfirmHours    int `json:"confirm_hours"`
	AutoCancelHours int `json:"auto_cancel_hours"`
}

func DefaultOffsets() Offsets {
	return Offsets{
		AnnounceHours:   168,
		ReminderHours:   24,
		ConfirmHours:    48,
		AutoCancelHours: 48,
	}
}

func before(start time.Time, h int) time.Time {
	return start.Add(-time.Duration(h) * time.Hour)
}

func (o Offsets) AnnounceAt(start time.Time) time.Time   { return before(start, o.AnnounceHours) }
func (o Offsets) ReminderAt(start time.Time) time.Time   { return before(start, o.ReminderHours) }
func (o Offsets) ConfirmAt(start time.Time) time.Time    { return before(start, o.ConfirmHours) }
func (o Offsets) AutoCancelAt(start time.Time) time.Time { return before(start, o.AutoCancelHours) }

// Validate records negative offsets on v.
func (o Offsets) Validate(v *ValidationError) {
	if o.AnnounceHours < 0 {
		v.Add("announce_hours", "must not be negative")
	}
	if o.ReminderHours < 0 {
		v.Add("reminder_hours", "must not be negative")
	}
	if o.ConfirmHours < 0 {
		v.Add("confirm_hours", "must not be negative")
	}
	if o.AutoCancelHours < 0 {
		v.Add("auto_cancel_hours", "must not be negative")
	}
}

// ValidateWindow records an error unless end is strictly after start.
func ValidateWindow(start, end time.Time, v *ValidationError) {
	if start.IsZero() {
		v.Add("start", "is required")
		return
	}
	if !end.After(start) {
		v.Add("end", "must be after start")
	}
}

func ValidatePlayers(min, max int, v *ValidationError) {
	if min < 1 {
		v.Add("min_players", "must be at least 1")
	}
	if max < min {
		v.Add("max_players", "must not be less than min_players")
	}
}
