package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// CacheService is the durable cache tier: fingerprint → recent summary.
// Entries are advisory and expire lazily on read.
type CacheService struct {
	db      *sql.DB
	summary *SummaryService
	ttl     time.Duration
}

// NewCacheService creates a CacheService with the given durable TTL.
func NewCacheService(db *sql.DB, summary *SummaryService, ttl time.Duration) *CacheService {
	return &CacheService{db: db, summary: summary, ttl: ttl}
}

// Get resolves a fingerprint to its cached summary. Expired entries are
// deleted on the way out and reported as a miss.
func (s *CacheService) Get(ctx context.Context, fingerprint string) (*models.Summary, error) {
	var (
		summaryID string
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT summary_id, expires_at FROM summary_cache WHERE fingerprint = $1`,
		fingerprint).Scan(&summaryID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, mapDBError("cache lookup", err)
	}

	if time.Now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM summary_cache WHERE fingerprint = $1`, fingerprint)
		return nil, models.ErrNotFound
	}

	return s.summary.Get(ctx, summaryID)
}

// Put records a fingerprint → summary mapping with a fresh TTL.
func (s *CacheService) Put(ctx context.Context, fingerprint string, summary *models.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_cache (fingerprint, summary_id, channel_id, guild_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			summary_id = EXCLUDED.summary_id,
			expires_at = EXCLUDED.expires_at`,
		fingerprint, summary.ID, summary.ChannelID, summary.GuildID,
		time.Now().Add(s.ttl).UTC(),
	)
	return mapDBError("cache put", err)
}

// InvalidateChannel drops all durable cache entries for a channel.
func (s *CacheService) InvalidateChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_cache WHERE channel_id = $1`, channelID)
	return mapDBError("cache invalidate channel", err)
}

// InvalidateGuild drops all durable cache entries for a guild.
func (s *CacheService) InvalidateGuild(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_cache WHERE guild_id = $1`, guildID)
	return mapDBError("cache invalidate guild", err)
}

// PurgeExpired removes cache entries past their TTL. Get already skips them,
// so this only reclaims rows.
func (s *CacheService) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_cache WHERE expires_at < NOW()`)
	if err != nil {
		return 0, mapDBError("cache purge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, mapDBError("cache purge", err)
	}
	return int(affected), nil
}
