package discord

import "github.com/bwmarrin/discordgo"

// Commands lists the slash commands the bot registers at startup.
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "summarize",
		Description: "Summarize recent conversation in a channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        "channel",
				Description: "Channel to summarize (defaults to the current one)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "hours",
				Description: "How many hours back to cover (default 24, max 168)",
				MinValue:    &one,
				MaxValue:    168,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "start",
				Description: "Window start, e.g. 2026-08-25T09:00 (UTC, used with end instead of hours)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "end",
				Description: "Window end, e.g. 2026-08-25T17:00 (UTC, used with start instead of hours)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "length",
				Description: "Summary length profile",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "brief", Value: "brief"},
					{Name: "detailed", Value: "detailed"},
					{Name: "comprehensive", Value: "comprehensive"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "include-bots",
				Description: "Include bot messages",
			},
		},
	},
	{
		Name:        "quick-summary",
		Description: "Brief summary of the last N minutes in this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "minutes",
				Description: "Minutes of history to cover",
				Required:    true,
				MinValue:    &one,
				MaxValue:    1440,
			},
		},
	},
	{
		Name:        "recap-config",
		Description: "View or change this server's summarization settings",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "Show the current configuration",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set-channels",
				Description: "Enable or exclude a channel for summarization",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "What to do with the channel",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "enable", Value: "enable"},
							{Name: "exclude", Value: "exclude"},
							{Name: "clear", Value: "clear"},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Target channel",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set-defaults",
				Description: "Set default summary options",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "length",
						Description: "Default length profile",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "brief", Value: "brief"},
							{Name: "detailed", Value: "detailed"},
							{Name: "comprehensive", Value: "comprehensive"},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "include-bots",
						Description: "Include bot messages by default",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "min-messages",
						Description: "Minimum messages required",
						MinValue:    &one,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "reset",
				Description: "Reset the configuration to defaults",
			},
		},
	},
	{
		Name:        "recap-schedule",
		Description: "Manage scheduled summaries",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "create",
				Description: "Create a scheduled summary",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Unique task name",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "schedule",
						Description: "Schedule, e.g. daily@18:00, weekly@mon-09:00, cron@0 9 * * 1",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Channel to summarize (defaults to the current one)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "deliver-to",
						Description: "Channel to post the summary in (defaults to the summarized one)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List this server's scheduled summaries",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "pause",
				Description: "Pause a scheduled summary",
				Options:     []*discordgo.ApplicationCommandOption{taskNameOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "resume",
				Description: "Resume a paused scheduled summary",
				Options:     []*discordgo.ApplicationCommandOption{taskNameOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "delete",
				Description: "Delete a scheduled summary",
				Options:     []*discordgo.ApplicationCommandOption{taskNameOption},
			},
		},
	},
}

var one float64 = 1

var taskNameOption = &discordgo.ApplicationCommandOption{
	Type:        discordgo.ApplicationCommandOptionString,
	Name:        "name",
	Description: "Task name",
	Required:    true,
}
