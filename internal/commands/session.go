package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/notify"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

type Sessions interface {
	Get(ctx context.Context, id int64) (*store.Session, error)
	Cancel(ctx context.Context, id int64, reason string) (*store.Session, error)
}

type Attendance interface {
	RecordResponse(ctx context.Context, sessionID int64, p store.Participant, raw string, extra attendance.Extra) (attendance.Result, error)
	RemoveResponse(ctx context.Context, sessionID int64, participantID string) (session.Counts, bool, error)
	Records(ctx context.Context, sessionID int64) ([]store.Attendance, error)
}

// Handler answers the /session command and attendance buttons.
type Handler struct {
	sessions   Sessions
	attendance Attendance
	logger     *slog.Logger
}

func NewHandler(sessions Sessions, att Attendance, logger *slog.Logger) *Handler {
	return &Handler{sessions: sessions, attendance: att, logger: logger}
}

func (h *Handler) reply(ctx context.Context, s Responder, i *discordgo.InteractionCreate, content string) {
	if err := respondText(s, i, content); err != nil {
		logging.FromContext(ctx, h.logger).Warn("commands: respond failed", "interaction", i.ID, "error", err)
	}
}

func (h *Handler) fail(ctx context.Context, s Responder, i *discordgo.InteractionCreate, action string, err error) {
	logging.FromContext(ctx, h.logger).Info("commands: "+action+" failed", "interaction", i.ID, "error", err)
	h.reply(ctx, s, i, userMessage(err))
}

func (h *Handler) HandleCommand(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if data.Name != CommandSession || len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)
	id, _ := opts.integer("id")

	switch sub.Name {
	case subShow:
		h.show(ctx, s, i, id)
	case subAttend:
		h.attend(ctx, s, i, id, opts)
	case subCancel:
		h.cancel(ctx, s, i, id, opts.str("reason"))
	}
}

// HandleComponent handles a press on an attendance button.
func (h *Handler) HandleComponent(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	id, resp, ok := notify.ParseAttendCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}
	p, ok := participant(i)
	if !ok {
		return
	}
	if resp == notify.ResponseClear {
		h.clear(ctx, s, i, id, p)
		return
	}
	res, err := h.attendance.RecordResponse(ctx, id, p, string(resp), attendance.Extra{})
	if err != nil {
		h.fail(ctx, s, i, "attend", err)
		return
	}
	h.reply(ctx, s, i, recordedText(id, res))
}

func (h *Handler) attend(ctx context.Context, s Responder, i *discordgo.InteractionCreate, id int64, opts options) {
	p, ok := participant(i)
	if !ok {
		return
	}
	raw := opts.str("response")
	if raw == responseClear {
		h.clear(ctx, s, i, id, p)
		return
	}
	extra := attendance.Extra{
		LateMinutes:  opts.intPtr("late_minutes"),
		EarlyMinutes: opts.intPtr("early_minutes"),
		Note:         strings.TrimSpace(opts.str("note")),
	}
	res, err := h.attendance.RecordResponse(ctx, id, p, raw, extra)
	if err != nil {
		h.fail(ctx, s, i, "attend", err)
		return
	}
	h.reply(ctx, s, i, recordedText(id, res))
}

func (h *Handler) clear(ctx context.Context, s Responder, i *discordgo.InteractionCreate, id int64, p store.Participant) {
	counts, removed, err := h.attendance.RemoveResponse(ctx, id, p.ID)
	if err != nil {
		h.fail(ctx, s, i, "clear", err)
		return
	}
	if !removed {
		h.reply(ctx, s, i, fmt.Sprintf("You had no response for session #%d.", id))
		return
	}
	h.reply(ctx, s, i, fmt.Sprintf("Your response for session #%d was cleared. %s", id, countsText(counts)))
}

func (h *Handler) cancel(ctx context.Context, s Responder, i *discordgo.InteractionCreate, id int64, reason string) {
	sess, err := h.sessions.Cancel(ctx, id, strings.TrimSpace(reason))
	if err != nil {
		h.fail(ctx, s, i, "cancel", err)
		return
	}
	h.reply(ctx, s, i, fmt.Sprintf("Session #%d **%s** was cancelled.", sess.ID, sess.Title))
}

func (h *Handler) show(ctx context.Context, s Responder, i *discordgo.InteractionCreate, id int64) {
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		h.fail(ctx, s, i, "show", err)
		return
	}
	var records []store.Attendance
	if !sess.IsTemplate {
		if records, err = h.attendance.Records(ctx, id); err != nil {
			h.fail(ctx, s, i, "show", err)
			return
		}
	}
	h.reply(ctx, s, i, showText(sess, records))
}

func recordedText(id int64, res attendance.Result) string {
	return fmt.Sprintf("Recorded **%s** for session #%d. %s", res.Record.Response.Label(), id, countsText(res.Counts))
}

func countsText(c session.Counts) string {
	return fmt.Sprintf("(%d confirmed, %d maybe, %d not attending)", c.Confirmed(), c.Maybe, c.No)
}

func showText(s *store.Session, records []store.Attendance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**#%d %s** (%s)\n", s.ID, s.Title, s.Status)
	fmt.Fprintf(&b, "<t:%d:F> to <t:%d:t>\n", s.Start.Unix(), s.End.Unix())
	if s.IsTemplate {
		b.WriteString("Series template\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Players: %d confirmed, need %d", s.Counts.Confirmed(), s.MinPlayers)
	if s.MaxPlayers > 0 {
		fmt.Fprintf(&b, ", max %d", s.MaxPlayers)
	}
	b.WriteString("\n")
	if s.CancelReason != "" {
		fmt.Fprintf(&b, "Cancelled: %s\n", s.CancelReason)
	}

	sort.Slice(records, func(a, c int) bool { return records[a].ParticipantID < records[c].ParticipantID })
	for _, r := range session.Responses {
		var who []string
		for _, rec := range records {
			if rec.Response == r {
				who = append(who, "<@"+rec.ParticipantID+">")
			}
		}
		if len(who) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", r.Label(), strings.Join(who, ", "))
		}
	}
	return b.String()
}
