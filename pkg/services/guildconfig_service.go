package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// GuildConfigService persists per-guild configuration.
type GuildConfigService struct {
	db *sql.DB
}

// NewGuildConfigService creates a GuildConfigService over the given pool.
func NewGuildConfigService(db *sql.DB) *GuildConfigService {
	return &GuildConfigService{db: db}
}

// Get fetches a guild's configuration, or the defaults when the guild has
// never been configured.
func (s *GuildConfigService) Get(ctx context.Context, guildID string) (*models.GuildConfig, error) {
	cfg, err := s.get(ctx, s.db, guildID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			defaults := models.DefaultGuildConfig(guildID)
			return &defaults, nil
		}
		return nil, err
	}
	return cfg, nil
}

// GetStored is like Get but reports ErrNotFound instead of defaulting.
func (s *GuildConfigService) GetStored(ctx context.Context, guildID string) (*models.GuildConfig, error) {
	return s.get(ctx, s.db, guildID)
}

func (s *GuildConfigService) get(ctx context.Context, q querier, guildID string) (*models.GuildConfig, error) {
	row := q.QueryRowContext(ctx, `
		SELECT guild_id, enabled_channels, excluded_channels, default_options,
		       permissions, webhook_enabled, webhook_secret, updated_at
		FROM guild_configs WHERE guild_id = $1`, guildID)

	var (
		cfg         models.GuildConfig
		enabled     []byte
		excluded    []byte
		options     []byte
		permissions []byte
	)
	err := row.Scan(&cfg.GuildID, &enabled, &excluded, &options, &permissions,
		&cfg.WebhookEnabled, &cfg.WebhookSecret, &cfg.UpdatedAt)
	if err != nil {
		return nil, mapDBError("get guild config", err)
	}

	if err := json.Unmarshal(enabled, &cfg.EnabledChannels); err != nil {
		return nil, marshalErr("enabled_channels", err)
	}
	if err := json.Unmarshal(excluded, &cfg.ExcludedChannels); err != nil {
		return nil, marshalErr("excluded_channels", err)
	}
	if err := json.Unmarshal(options, &cfg.DefaultOptions); err != nil {
		return nil, marshalErr("default_options", err)
	}
	if err := json.Unmarshal(permissions, &cfg.Permissions); err != nil {
		return nil, marshalErr("permissions", err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}

// Save upserts a guild configuration after validating its invariants.
func (s *GuildConfigService) Save(ctx context.Context, cfg *models.GuildConfig) error {
	return s.save(ctx, s.db, cfg)
}

// SaveTx upserts inside an existing transaction.
func (s *GuildConfigService) SaveTx(ctx context.Context, tx *sql.Tx, cfg *models.GuildConfig) error {
	return s.save(ctx, tx, cfg)
}

func (s *GuildConfigService) save(ctx context.Context, q querier, cfg *models.GuildConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	enabled, err := json.Marshal(cfg.EnabledChannels)
	if err != nil {
		return marshalErr("enabled_channels", err)
	}
	excluded, err := json.Marshal(cfg.ExcludedChannels)
	if err != nil {
		return marshalErr("excluded_channels", err)
	}
	options, err := json.Marshal(cfg.DefaultOptions)
	if err != nil {
		return marshalErr("default_options", err)
	}
	permissions, err := json.Marshal(cfg.Permissions)
	if err != nil {
		return marshalErr("permissions", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO guild_configs
			(guild_id, enabled_channels, excluded_channels, default_options,
			 permissions, webhook_enabled, webhook_secret, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (guild_id) DO UPDATE SET
			enabled_channels = EXCLUDED.enabled_channels,
			excluded_channels = EXCLUDED.excluded_channels,
			default_options = EXCLUDED.default_options,
			permissions = EXCLUDED.permissions,
			webhook_enabled = EXCLUDED.webhook_enabled,
			webhook_secret = EXCLUDED.webhook_secret,
			updated_at = EXCLUDED.updated_at`,
		cfg.GuildID, enabled, excluded, options, permissions,
		cfg.WebhookEnabled, cfg.WebhookSecret, time.Now().UTC(),
	)
	return mapDBError("save guild config", err)
}

// Delete removes a guild's configuration, reverting it to defaults.
func (s *GuildConfigService) Delete(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guild_configs WHERE guild_id = $1`, guildID)
	return mapDBError("delete guild config", err)
}
