// Package notify turns outbox messages into posts on the session channel.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/susu3304/sessionbot/internal/session"
)

// ChannelClient posts and edits messages on the external channel.
type ChannelClient interface {
	SendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	UpdateMessage(ctx context.Context, channelID, messageID string, msg Message) error
}

// Gate blocks until the next call to the channel is allowed.
type Gate interface {
	Wait(ctx context.Context) error
}

type Message struct {
	Content string
	Embed   *Embed
	Buttons []Button
	// Mentions lists the user IDs the message is allowed to ping.
	Mentions []string
}

type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
	Footer      string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

type Button struct {
	Label    string
	CustomID string
	Style    ButtonStyle
}

const attendPrefix = "attend"

// ResponseClear is the button value that withdraws a response.
const ResponseClear session.Response = "clear"

// AttendCustomID is the component id of an attendance button.
func AttendCustomID(sessionID int64, r session.Response) string {
	return fmt.Sprintf("%s:%d:%s", attendPrefix, sessionID, r)
}

// ParseAttendCustomID reverses AttendCustomID.
func ParseAttendCustomID(id string) (int64, session.Response, bool) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] != attendPrefix {
		return 0, "", false
	}
	sid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || sid <= 0 {
		return 0, "", false
	}
	if parts[2] == string(ResponseClear) {
		return sid, ResponseClear, true
	}
	return sid, session.ParseResponse(parts[2]), true
}

type gatedClient struct {
	next ChannelClient
	gate Gate
}

// RateLimited wraps c so that every call first waits on g.
func RateLimited(c ChannelClient, g Gate) ChannelClient {
	return &gatedClient{next: c, gate: g}
}

func (g *gatedClient) SendMessage(ctx context.Context, channelID string, msg Message) (string, error) {
	if err := g.gate.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return g.next.SendMessage(ctx, channelID, msg)
}

func (g *gatedClient) UpdateMessage(ctx context.Context, channelID, messageID string, msg Message) error {
	if err := g.gate.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return g.next.UpdateMessage(ctx, channelID, messageID, msg)
}
