package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/susu3304/sessionbot/internal/store"
)

// Message types.
const (
	TypeAnnounce   = "announce"
	TypeUpdate     = "update"
	TypeCancel     = "cancel"
	TypeReminder   = "reminder"
	TypeCompletion = "completion"
	TypeTasks      = "tasks"
)

// SessionPayload identifies the session whose current state should be rendered.
type SessionPayload struct {
	SessionID int64 `json:"session_id"`
}

type CancelPayload struct {
	SessionID int64  `json:"session_id"`
	Reason    string `json:"reason"`
}

type ReminderPayload struct {
	SessionID  int64    `json:"session_id"`
	ReminderID int64    `json:"reminder_id"`
	Kind       string   `json:"kind"`
	Audience   string   `json:"audience"`
	Mentions   []string `json:"mentions,omitempty"`
}

// Decode unmarshals the payload of msg into T.
func Decode[T any](msg store.OutboxMessage) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return v, nil
}
