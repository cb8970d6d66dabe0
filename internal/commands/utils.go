package commands

import (
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

// Responder answers interactions. *discordgo.Session satisfies it.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// respondText answers with a message only the caller can see.
func respondText(s Responder, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         content,
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	})
}

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	m := make(options, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

func (o options) str(name string) string {
	if opt, ok := o[name]; ok {
		return opt.StringValue()
	}
	return ""
}

func (o options) integer(name string) (int64, bool) {
	if opt, ok := o[name]; ok {
		return opt.IntValue(), true
	}
	return 0, false
}

func (o options) intPtr(name string) *int {
	v, ok := o.integer(name)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

// participant identifies the user behind an interaction.
func participant(i *discordgo.InteractionCreate) (store.Participant, bool) {
	if i.Member != nil && i.Member.User != nil {
		name := i.Member.Nick
		if name == "" {
			name = i.Member.User.Username
		}
		return store.Participant{ID: i.Member.User.ID, DisplayName: name}, true
	}
	if i.User != nil {
		return store.Participant{ID: i.User.ID, DisplayName: i.User.Username}, true
	}
	return store.Participant{}, false
}

// userMessage is the text shown to the caller for a failed action.
func userMessage(err error) string {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		return "That didn't work: " + verr.Error()
	case errors.Is(err, store.ErrNotFound):
		return "That session does not exist."
	case errors.Is(err, session.ErrSessionClosed):
		return "That session is already cancelled or completed."
	case errors.Is(err, session.ErrTemplateNotAttendable):
		return "That is a series template. Respond to one of its sessions instead."
	case errors.Is(err, session.ErrInvalidTransition):
		return "That session can no longer be cancelled."
	}
	return "Something went wrong. Please try again."
}
