package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/recapd/recapd/pkg/models"
)

const (
	embedColor      = 0x5865F2
	embedFieldLimit = 1024
	embedDescLimit  = 4096
)

// SummaryEmbed renders a summary as the rich embed used by replies and
// scheduled channel deliveries.
func SummaryEmbed(s *models.Summary) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Summary: %s to %s", s.StartTime.Format("Jan 2 15:04"), s.EndTime.Format("Jan 2 15:04 MST")),
		Description: truncate(s.Body, embedDescLimit),
		Color:       embedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%d messages | %s | $%.4f", s.MessageCount, s.Meta.Model, s.Meta.CostUSD),
		},
		Timestamp: s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	if len(s.KeyPoints) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Key points",
			Value: truncate(bulletList(s.KeyPoints), embedFieldLimit),
		})
	}
	if len(s.ActionItems) > 0 {
		lines := make([]string, 0, len(s.ActionItems))
		for _, item := range s.ActionItems {
			line := fmt.Sprintf("[%s] %s", item.Priority, item.Description)
			if item.Assignee != "" {
				line += fmt.Sprintf(" (%s)", item.Assignee)
			}
			lines = append(lines, line)
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Action items",
			Value: truncate(bulletList(lines), embedFieldLimit),
		})
	}
	if len(s.Participants) > 0 {
		lines := make([]string, 0, len(s.Participants))
		for _, p := range s.Participants {
			lines = append(lines, fmt.Sprintf("%s (%d)", p.DisplayName, p.MessageCount))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Participants",
			Value:  truncate(strings.Join(lines, ", "), embedFieldLimit),
			Inline: true,
		})
	}
	return embed
}

func bulletList(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString("• ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}
