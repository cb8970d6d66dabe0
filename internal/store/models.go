package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/susu3304/sessionbot/internal/recurrence"
	"github.com/susu3304/sessionbot/internal/session"
)

type Session struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	MinPlayers  int             `json:"min_players"`
	MaxPlayers  int             `json:"max_players"`
	Status      session.Status  `json:"status"`
	Offsets     session.Offsets `json:"offsets"`

	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	IsTemplate bool             `json:"is_template"`
	Recurrence *recurrence.Rule `json:"recurrence,omitempty"`
	ParentID   *int64           `json:"parent_id,omitempty"`

	CancelReason     string     `json:"cancel_reason,omitempty"`
	AnnounceQueuedAt *time.Time `json:"announce_queued_at,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	Counts    session.Counts `json:"counts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Announced reports whether a channel message exists for the session.
func (s *Session) Announced() bool {
	return s.MessageID != ""
}

// SessionQuery filters ListSessions. Zero values mean no filter.
type SessionQuery struct {
	Statuses   []session.Status
	Templates  bool // only templates when true, only non-templates otherwise
	ParentID   *int64
	StartAfter *time.Time
	Limit      int
}

type StatusChange struct {
	At     time.Time
	Reason string
}

type Attendance struct {
	SessionID     int64            `json:"session_id"`
	ParticipantID string           `json:"participant_id"`
	CharacterID   *int64           `json:"character_id,omitempty"`
	Response      session.Response `json:"response"`
	LateMinutes   *int             `json:"late_minutes,omitempty"`
	EarlyMinutes  *int             `json:"early_minutes,omitempty"`
	Note          string           `json:"note,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ReminderKind string

const (
	ReminderInitial  ReminderKind = "initial"
	ReminderFollowup ReminderKind = "followup"
	ReminderFinal    ReminderKind = "final"
)

type Audience string

const (
	AudienceAll             Audience = "all"
	AudienceNonResponders   Audience = "non_responders"
	AudienceMaybeResponders Audience = "maybe_responders"
)

type Reminder struct {
	ID        int64        `json:"id"`
	SessionID int64        `json:"session_id"`
	Kind      ReminderKind `json:"kind"`
	Audience  Audience     `json:"audience"`
	SendAt    time.Time    `json:"send_at"`
	Sent      bool         `json:"sent"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
)

type OutboxMessage struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	SessionID     *int64          `json:"session_id,omitempty"`
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// OutboxClaim selects deliverable rows: pending or failed rows under
// MaxRetries whose last attempt is older than Cooldown, and processing rows
// abandoned for longer than StaleAfter.
type OutboxClaim struct {
	Now        time.Time
	Cooldown   time.Duration
	StaleAfter time.Duration
	MaxRetries int
	Limit      int
}

type OutboxQuery struct {
	Status     OutboxStatus
	MinRetries int
	Limit      int
}

type Completion struct {
	SessionID   int64          `json:"session_id"`
	Counts      session.Counts `json:"counts"`
	Attendees   []string       `json:"attendees"`
	CompletedAt time.Time      `json:"completed_at"`
}

// TaskPhase groups housekeeping tasks by when they happen.
type TaskPhase string

const (
	TaskPhasePre    TaskPhase = "pre"
	TaskPhaseDuring TaskPhase = "during"
	TaskPhasePost   TaskPhase = "post"
)

// TaskAssignment maps each phase to assignee and their tasks.
type TaskAssignment struct {
	SessionID     int64                             `json:"session_id"`
	Assignments   map[TaskPhase]map[string][]string `json:"assignments"`
	AttendeeCount int                               `json:"attendee_count"`
	CreatedAt     time.Time                         `json:"created_at"`
}
