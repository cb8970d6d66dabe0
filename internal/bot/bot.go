package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/commands"
)

// Interactions handles slash commands and button presses.
type Interactions interface {
	HandleCommand(ctx context.Context, s commands.Responder, i *discordgo.InteractionCreate)
	HandleComponent(ctx context.Context, s commands.Responder, i *discordgo.InteractionCreate)
}

type Bot struct {
	session      *discordgo.Session
	interactions Interactions
	logger       *slog.Logger
	ctx          context.Context
}

func New(token string, interactions Interactions, logger *slog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	bot := &Bot{
		session:      session,
		interactions: interactions,
		logger:       logger,
		ctx:          context.Background(),
	}

	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onGuildCreate)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuilds

	return bot, nil
}

// Session exposes the REST client for posting channel messages.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// Start opens the gateway. Interaction handlers derive their contexts from ctx.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.logger.Info("bot: gateway open")
	return nil
}

func (b *Bot) Stop() error {
	return b.session.Close()
}
