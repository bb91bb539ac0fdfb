package models

import "time"

// PermissionConfig controls who may invoke summarization and who may mutate
// guild configuration.
type PermissionConfig struct {
	AllowedRoles          []string `json:"allowed_roles,omitempty"` // empty = any member with channel read access
	RequireAdminForConfig bool     `json:"require_admin_for_config"`
}

// GuildConfig is the per-guild configuration record. One row per guild.
type GuildConfig struct {
	GuildID         string           `json:"guild_id"`
	EnabledChannels []string         `json:"enabled_channels,omitempty"` // empty = all channels
	ExcludedChannels []string        `json:"excluded_channels,omitempty"`
	DefaultOptions  SummaryOptions   `json:"default_options"`
	Permissions     PermissionConfig `json:"permissions"`
	WebhookEnabled  bool             `json:"webhook_enabled"`
	WebhookSecret   string           `json:"webhook_secret,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DefaultGuildConfig returns the configuration applied to guilds that have
// never been configured.
func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID:        guildID,
		DefaultOptions: SummaryOptions{}.Normalized(),
		Permissions:    PermissionConfig{RequireAdminForConfig: true},
	}
}

// Validate enforces the guild-config invariants: enabled and excluded channel
// sets are disjoint, and default options pass request validation.
func (c GuildConfig) Validate() error {
	if c.GuildID == "" {
		return NewValidationError("guild_id", "required")
	}
	excluded := make(map[string]struct{}, len(c.ExcludedChannels))
	for _, ch := range c.ExcludedChannels {
		excluded[ch] = struct{}{}
	}
	for _, ch := range c.EnabledChannels {
		if _, clash := excluded[ch]; clash {
			return NewValidationError("channels", "channel "+ch+" is both enabled and excluded")
		}
	}
	return c.DefaultOptions.Validate()
}

// ChannelAllowed reports whether summarization is permitted in the channel
// under this configuration.
func (c GuildConfig) ChannelAllowed(channelID string) bool {
	for _, ch := range c.ExcludedChannels {
		if ch == channelID {
			return false
		}
	}
	if len(c.EnabledChannels) == 0 {
		return true
	}
	for _, ch := range c.EnabledChannels {
		if ch == channelID {
			return true
		}
	}
	return false
}
