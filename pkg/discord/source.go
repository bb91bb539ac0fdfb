// Package discord adapts the chat platform: message retrieval, permission
// checks, slash-command handling, and reply delivery.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/recapd/recapd/pkg/models"
)

// discordEpoch is the millisecond offset snowflake timestamps count from.
const discordEpoch = 1420070400000

const fetchPageSize = 100

// ChannelInfo carries the channel facts the prompt header needs.
type ChannelInfo struct {
	ID        string
	Name      string
	GuildID   string
	GuildName string
}

// Source is the platform adapter the engine and command handler consume.
type Source interface {
	// FetchRange returns messages in [start, end) in ascending timestamp
	// order, truncated at limit when limit > 0.
	FetchRange(ctx context.Context, channelID string, start, end time.Time, limit int) ([]models.RawMessage, error)
	ResolveChannel(ctx context.Context, channelID string) (*ChannelInfo, error)
	HasReadAccess(ctx context.Context, userID, channelID string) (bool, error)
	ResolveUserRoles(ctx context.Context, userID, guildID string) ([]string, error)
	IsAdmin(ctx context.Context, userID, guildID string) (bool, error)
}

// session is the slice of discordgo.Session the source uses, extracted so
// tests can fake the platform.
type session interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// GatewaySource implements Source over a discordgo session.
type GatewaySource struct {
	session session
	logger  *slog.Logger
}

// NewGatewaySource wraps an open discordgo session.
func NewGatewaySource(s *discordgo.Session, logger *slog.Logger) *GatewaySource {
	return &GatewaySource{session: s, logger: logger.With("component", "discord.source")}
}

// snowflakeAt returns the smallest snowflake for instant t, for use as a
// pagination cursor.
func snowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// FetchRange pages through channel history with the after cursor. Platform
// rate-limit signals are waited out and the page retried.
func (g *GatewaySource) FetchRange(ctx context.Context, channelID string, start, end time.Time, limit int) ([]models.RawMessage, error) {
	var out []models.RawMessage
	after := snowflakeAt(start)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := g.session.ChannelMessages(channelID, fetchPageSize, "", after, "")
		if err != nil {
			if wait, ok := rateLimited(err); ok {
				g.logger.Warn("Discord rate limit hit, waiting", "channel_id", channelID, "wait", wait)
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if isForbidden(err) {
				return nil, &models.ChannelAccessError{ChannelID: channelID}
			}
			return nil, mapDiscordError("fetching messages", err)
		}
		if len(page) == 0 {
			break
		}

		// The after cursor yields ascending pages; normalize anyway.
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })

		done := false
		for _, m := range page {
			ts := m.Timestamp.UTC()
			if !ts.Before(end) {
				done = true
				break
			}
			if ts.Before(start) {
				continue
			}
			out = append(out, toRawMessage(m))
			if limit > 0 && len(out) >= limit {
				done = true
				break
			}
		}
		if done || len(page) < fetchPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	return out, nil
}

func toRawMessage(m *discordgo.Message) models.RawMessage {
	raw := models.RawMessage{
		ID:        m.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
		Kind:      systemKind(m.Type),
	}
	if m.Author != nil {
		raw.AuthorID = m.Author.ID
		raw.AuthorName = m.Author.Username
		raw.IsBot = m.Author.Bot
	}
	if m.Member != nil && m.Member.Nick != "" {
		raw.AuthorName = m.Member.Nick
	}
	if len(m.Mentions) > 0 {
		raw.Mentions = make(map[string]string, len(m.Mentions))
		for _, u := range m.Mentions {
			raw.Mentions[u.ID] = u.Username
		}
	}
	for _, a := range m.Attachments {
		raw.Attachments = append(raw.Attachments, models.Attachment{
			Name: a.Filename,
			Size: int64(a.Size),
			Kind: attachmentKind(a.ContentType),
		})
	}
	if m.Thread != nil {
		raw.ThreadID = m.Thread.ID
	}
	if m.MessageReference != nil {
		raw.ReplyToID = m.MessageReference.MessageID
	}
	return raw
}

// systemKind labels platform housekeeping messages so the filter can drop
// them. Ordinary and reply messages return "".
func systemKind(t discordgo.MessageType) string {
	switch t {
	case discordgo.MessageTypeDefault, discordgo.MessageTypeReply:
		return ""
	case discordgo.MessageTypeGuildMemberJoin:
		return "member-join"
	case discordgo.MessageTypeChannelPinnedMessage:
		return "pin"
	case discordgo.MessageTypeUserPremiumGuildSubscription:
		return "boost"
	default:
		return fmt.Sprintf("system-%d", t)
	}
}

func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

func (g *GatewaySource) ResolveChannel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := g.session.Channel(channelID)
	if err != nil {
		return nil, mapDiscordError("resolving channel", err)
	}
	info := &ChannelInfo{ID: ch.ID, Name: ch.Name, GuildID: ch.GuildID}
	if ch.GuildID != "" {
		if guild, err := g.session.Guild(ch.GuildID); err == nil {
			info.GuildName = guild.Name
		}
	}
	return info, nil
}

func (g *GatewaySource) HasReadAccess(ctx context.Context, userID, channelID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	perms, err := g.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, mapDiscordError("checking permissions", err)
	}
	return perms&discordgo.PermissionViewChannel != 0, nil
}

func (g *GatewaySource) ResolveUserRoles(ctx context.Context, userID, guildID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	member, err := g.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, mapDiscordError("resolving member", err)
	}
	return member.Roles, nil
}

// IsAdmin reports whether any of the member's roles carries the
// administrator permission, or the member owns the guild.
func (g *GatewaySource) IsAdmin(ctx context.Context, userID, guildID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	guild, err := g.session.Guild(guildID)
	if err != nil {
		return false, mapDiscordError("resolving guild", err)
	}
	if guild.OwnerID == userID {
		return true, nil
	}
	member, err := g.session.GuildMember(guildID, userID)
	if err != nil {
		return false, mapDiscordError("resolving member", err)
	}
	adminRoles := make(map[string]struct{})
	for _, role := range guild.Roles {
		if role.Permissions&discordgo.PermissionAdministrator != 0 {
			adminRoles[role.ID] = struct{}{}
		}
	}
	for _, roleID := range member.Roles {
		if _, ok := adminRoles[roleID]; ok {
			return true, nil
		}
	}
	return false, nil
}

func rateLimited(err error) (time.Duration, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

func isForbidden(err error) bool {
	var rerr *discordgo.RESTError
	return errors.As(err, &rerr) && rerr.Response != nil &&
		rerr.Response.StatusCode == http.StatusForbidden
}

// mapDiscordError translates platform errors onto the service error model.
func mapDiscordError(op string, err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w", op, models.ErrPermission)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrPlatformUnavailable, err)
}
