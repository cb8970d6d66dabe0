package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/commands"
	"github.com/susu3304/sessionbot/internal/logging"
)

const interactionTimeout = 10 * time.Second

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("bot: connected", "user", event.User.Username, "guilds", len(event.Guilds))

	for _, guild := range event.Guilds {
		if err := b.registerGuildCommands(guild.ID); err != nil {
			b.logger.Error("bot: register commands failed", "guild", guild.ID, "error", err)
		}
	}
}

func (b *Bot) onGuildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	b.logger.Info("bot: guild available", "guild", event.ID, "name", event.Name)
	if err := b.registerGuildCommands(event.ID); err != nil {
		b.logger.Error("bot: register commands failed", "guild", event.ID, "error", err)
	}
}

func (b *Bot) registerGuildCommands(guildID string) error {
	_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, guildID, commands.GetCommands())
	if err != nil {
		return err
	}
	b.logger.Debug("bot: registered commands", "guild", guildID)
	return nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.dispatch(s, i)
}

func (b *Bot) dispatch(s commands.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, interactionTimeout)
	defer cancel()
	ctx = logging.ContextWithLogger(ctx, b.logger.With("interaction", i.ID, "guild", i.GuildID))

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.interactions.HandleCommand(ctx, s, i)
	case discordgo.InteractionMessageComponent:
		b.interactions.HandleComponent(ctx, s, i)
	}
}
