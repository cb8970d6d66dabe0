package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/tasks"
)

const (
	colorScheduled = 0x3498db
	colorConfirmed = 0x2ecc71
	colorCancelled = 0xe74c3c
	colorCompleted = 0x95a5a6

	maxFieldLen = 1024
)

// View is the state a session post is rendered from.
type View struct {
	Session store.Session
	Records []store.Attendance
	Names   map[string]string
}

func (v View) name(id string) string {
	if n := v.Names[id]; n != "" {
		return n
	}
	return "<@" + id + ">"
}

var buttonOrder = []struct {
	resp  session.Response
	label string
	style ButtonStyle
}{
	{session.ResponseYes, "✅ Attending", ButtonSuccess},
	{session.ResponseLate, "⏰ Late", ButtonPrimary},
	{session.ResponseEarly, "🏃 Leave early", ButtonPrimary},
	{session.ResponseMaybe, "❓ Maybe", ButtonSecondary},
	{session.ResponseNo, "❌ Can't make it", ButtonDanger},
	{ResponseClear, "Clear", ButtonSecondary},
}

func discordTime(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}

// RenderSession builds the announcement post. Closed sessions have no buttons.
func RenderSession(v View) Message {
	s := v.Session
	e := &Embed{
		Title:       s.Title,
		Description: s.Description,
		Color:       statusColor(s.Status),
		Footer:      fmt.Sprintf("Session #%d", s.ID),
	}
	e.Fields = append(e.Fields,
		Field{Name: "When", Value: fmt.Sprintf("%s (%s)", discordTime(s.Start, "F"), discordTime(s.Start, "R"))},
		Field{Name: "Status", Value: statusLine(s), Inline: true},
		Field{Name: "Players", Value: fmt.Sprintf("%d confirmed, %d to %d needed", s.Counts.Confirmed(), s.MinPlayers, s.MaxPlayers), Inline: true},
	)

	byResponse := make(map[session.Response][]string)
	for _, r := range v.Records {
		byResponse[r.Response] = append(byResponse[r.Response], v.name(r.ParticipantID))
	}
	for _, r := range session.Responses {
		names := byResponse[r]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		e.Fields = append(e.Fields, Field{
			Name:  fmt.Sprintf("%s (%d)", r.Label(), len(names)),
			Value: truncate(strings.Join(names, ", "), maxFieldLen),
		})
	}

	msg := Message{Embed: e}
	if s.Status.Open() {
		for _, b := range buttonOrder {
			msg.Buttons = append(msg.Buttons, Button{Label: b.label, CustomID: AttendCustomID(s.ID, b.resp), Style: b.style})
		}
	}
	return msg
}

func statusColor(st session.Status) int {
	switch st {
	case session.StatusConfirmed:
		return colorConfirmed
	case session.StatusCancelled:
		return colorCancelled
	case session.StatusCompleted:
		return colorCompleted
	}
	return colorScheduled
}

func statusLine(s store.Session) string {
	switch s.Status {
	case session.StatusConfirmed:
		return "Confirmed"
	case session.StatusCancelled:
		if s.CancelReason != "" {
			return "Cancelled: " + s.CancelReason
		}
		return "Cancelled"
	case session.StatusCompleted:
		return "Completed"
	}
	return "Scheduled"
}

// RenderCancel is the notice posted when an announced session is cancelled.
func RenderCancel(s store.Session, reason string) Message {
	if reason == "" {
		reason = s.CancelReason
	}
	content := fmt.Sprintf("**%s** on %s has been cancelled.", s.Title, discordTime(s.Start, "F"))
	if reason != "" {
		content += "\nReason: " + reason
	}
	return Message{Content: content}
}

// RenderReminder pings the given participants about an upcoming session.
func RenderReminder(s store.Session, kind store.ReminderKind, mentions []string) Message {
	var b strings.Builder
	for _, id := range mentions {
		b.WriteString("<@" + id + "> ")
	}
	switch kind {
	case store.ReminderFollowup:
		b.WriteString("You haven't responded to ")
	case store.ReminderFinal:
		b.WriteString("Still undecided about ")
	default:
		b.WriteString("Reminder: ")
	}
	fmt.Fprintf(&b, "**%s** starts %s.", s.Title, discordTime(s.Start, "R"))
	if s.ChannelID != "" && s.MessageID != "" {
		b.WriteString(" Respond on the announcement above.")
	}
	return Message{Content: b.String(), Mentions: mentions}
}

// RenderCompletion summarizes who attended a finished session.
func RenderCompletion(s store.Session, c store.Completion) Message {
	attendees := "nobody"
	if len(c.Attendees) > 0 {
		attendees = strings.Join(c.Attendees, ", ")
	}
	return Message{Embed: &Embed{
		Title: s.Title + " is complete",
		Color: colorCompleted,
		Fields: []Field{
			{Name: fmt.Sprintf("Attended (%d)", len(c.Attendees)), Value: truncate(attendees, maxFieldLen)},
			{Name: "Responses", Value: fmt.Sprintf("%d attending, %d not attending, %d maybe", c.Counts.Confirmed(), c.Counts.No, c.Counts.Maybe)},
		},
		Footer: fmt.Sprintf("Session #%d", s.ID),
	}}
}

var phaseTitles = []struct {
	phase store.TaskPhase
	title string
}{
	{store.TaskPhasePre, "Before the session"},
	{store.TaskPhaseDuring, "During the session"},
	{store.TaskPhasePost, "After the session"},
}

// RenderTasks posts the housekeeping assignments of a session.
func RenderTasks(s store.Session, a store.TaskAssignment, names map[string]string) Message {
	v := View{Names: names}
	e := &Embed{Title: "Tasks for " + s.Title, Color: colorConfirmed, Footer: fmt.Sprintf("Session #%d", s.ID)}
	seen := make(map[string]bool)
	var mentions []string
	for _, p := range phaseTitles {
		byAssignee := a.Assignments[p.phase]
		assignees := make([]string, 0, len(byAssignee))
		for id := range byAssignee {
			assignees = append(assignees, id)
		}
		sort.Strings(assignees)
		var lines []string
		for _, id := range assignees {
			assigned := byAssignee[id]
			if len(assigned) == 0 {
				continue
			}
			who := tasks.DM
			if id != tasks.DM {
				who = v.name(id)
				if !seen[id] {
					seen[id] = true
					mentions = append(mentions, id)
				}
			}
			lines = append(lines, who+": "+strings.Join(assigned, ", "))
		}
		if len(lines) > 0 {
			e.Fields = append(e.Fields, Field{Name: p.title, Value: truncate(strings.Join(lines, "\n"), maxFieldLen)})
		}
	}
	return Message{Embed: e, Mentions: mentions}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
