package commands

import "github.com/bwmarrin/discordgo"

const (
	CommandSession = "session"

	subShow   = "show"
	subAttend = "attend"
	subCancel = "cancel"

	responseClear = "clear"
)

func sessionIDOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        "id",
		Description: "Session number",
		Required:    true,
		MinValue:    floatPtr(1),
	}
}

func GetCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:         CommandSession,
			Description:  "Game session tools",
			DMPermission: boolPtr(false),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subShow,
					Description: "Show a session and who is coming",
					Options:     []*discordgo.ApplicationCommandOption{sessionIDOption()},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subAttend,
					Description: "Set your response for a session",
					Options: []*discordgo.ApplicationCommandOption{
						sessionIDOption(),
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "response",
							Description: "Your response",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "Attending", Value: "yes"},
								{Name: "Not attending", Value: "no"},
								{Name: "Maybe", Value: "maybe"},
								{Name: "Arriving late", Value: "late"},
								{Name: "Leaving early", Value: "early"},
								{Name: "Late and leaving early", Value: "late_and_early"},
								{Name: "Clear my response", Value: responseClear},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "late_minutes",
							Description: "How late you expect to be",
							MinValue:    floatPtr(0),
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "early_minutes",
							Description: "How early you need to leave",
							MinValue:    floatPtr(0),
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "note",
							Description: "Anything the table should know",
							MaxLength:   500,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subCancel,
					Description: "Cancel a session",
					Options: []*discordgo.ApplicationCommandOption{
						sessionIDOption(),
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "reason",
							Description: "Shown in the cancellation notice",
							MaxLength:   300,
						},
					},
				},
			},
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func floatPtr(f float64) *float64 {
	return &f
}
