package bot

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/notify"
)

const (
	attemptTimeout   = 12 * time.Second
	maxAttempts      = 2
	maxButtonsPerRow = 5
)

// Minimal session interface for posting and editing channel messages.
type channelSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Channel is the Discord implementation of notify.ChannelClient.
type Channel struct {
	session channelSession
	sleep   func(ctx context.Context, d time.Duration)
}

var _ notify.ChannelClient = (*Channel)(nil)

func NewChannel(session channelSession) *Channel {
	return &Channel{session: session, sleep: sleepCtx}
}

func (c *Channel) SendMessage(ctx context.Context, channelID string, msg notify.Message) (string, error) {
	data := &discordgo.MessageSend{
		Content:         msg.Content,
		Embeds:          embeds(msg.Embed),
		Components:      components(msg.Buttons),
		AllowedMentions: allowedMentions(msg.Mentions),
	}
	var id string
	err := c.withRetry(ctx, func(opt discordgo.RequestOption) error {
		m, err := c.session.ChannelMessageSendComplex(channelID, data, opt)
		if err == nil {
			id = m.ID
		}
		return err
	})
	return id, err
}

// UpdateMessage replaces the content, embed and buttons of a posted message.
// A message without buttons has its components cleared.
func (c *Channel) UpdateMessage(ctx context.Context, channelID, messageID string, msg notify.Message) error {
	edit := discordgo.NewMessageEdit(channelID, messageID).
		SetContent(msg.Content).
		SetEmbeds(embeds(msg.Embed))
	edit.Components = components(msg.Buttons)
	edit.AllowedMentions = allowedMentions(msg.Mentions)
	return c.withRetry(ctx, func(opt discordgo.RequestOption) error {
		_, err := c.session.ChannelMessageEditComplex(edit, opt)
		return err
	})
}

// withRetry gives each attempt its own timeout and retries once on
// temporary network errors.
func (c *Channel) withRetry(ctx context.Context, call func(opt discordgo.RequestOption) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := call(discordgo.WithContext(attemptCtx))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isTemporaryOrTimeout(err) {
			return err
		}
		c.sleep(ctx, time.Duration(300+rand.Intn(500))*time.Millisecond)
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isTemporaryOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode >= 500
	}
	return false
}

func embeds(e *notify.Embed) []*discordgo.MessageEmbed {
	if e == nil {
		return []*discordgo.MessageEmbed{}
	}
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	return []*discordgo.MessageEmbed{out}
}

func components(buttons []notify.Button) []discordgo.MessageComponent {
	rows := []discordgo.MessageComponent{}
	for start := 0; start < len(buttons); start += maxButtonsPerRow {
		end := min(start+maxButtonsPerRow, len(buttons))
		row := discordgo.ActionsRow{}
		for _, b := range buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Label,
				CustomID: b.CustomID,
				Style:    buttonStyle(b.Style),
			})
		}
		rows = append(rows, row)
	}
	return rows
}

func buttonStyle(s notify.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case notify.ButtonSuccess:
		return discordgo.SuccessButton
	case notify.ButtonDanger:
		return discordgo.DangerButton
	case notify.ButtonSecondary:
		return discordgo.SecondaryButton
	}
	return discordgo.PrimaryButton
}

// allowedMentions restricts pings to the listed users.
func allowedMentions(users []string) *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{},
		Users: users,
	}
}
