// Package cache provides the two-tier summary cache: a bounded in-memory
// LRU with TTL in front of a durable store-backed tier. Keys are request
// fingerprints; invalidation is channel or guild scoped.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/recapd/recapd/pkg/models"
)

// Defaults for the in-memory tier.
const (
	DefaultMemSize = 1000
	DefaultMemTTL  = 5 * time.Minute
)

// DurableTier is the store-backed cache layer behind the memory tier.
type DurableTier interface {
	Get(ctx context.Context, fingerprint string) (*models.Summary, error)
	Put(ctx context.Context, fingerprint string, summary *models.Summary) error
	InvalidateChannel(ctx context.Context, channelID string) error
	InvalidateGuild(ctx context.Context, guildID string) error
}

// scope records where a cached fingerprint came from, for scoped
// invalidation of the memory tier.
type scope struct {
	channelID string
	guildID   string
}

// Cache is the two-tier summary cache. Safe for concurrent use.
type Cache struct {
	mem     *expirable.LRU[string, *models.Summary]
	durable DurableTier
	logger  *slog.Logger

	mu     sync.Mutex
	scopes map[string]scope
}

// New builds a cache with the given memory-tier bounds. A nil durable tier
// leaves only the memory tier active.
func New(size int, ttl time.Duration, durable DurableTier, logger *slog.Logger) *Cache {
	if size <= 0 {
		size = DefaultMemSize
	}
	if ttl <= 0 {
		ttl = DefaultMemTTL
	}
	c := &Cache{
		durable: durable,
		logger:  logger.With("component", "cache"),
		scopes:  make(map[string]scope),
	}
	c.mem = expirable.NewLRU[string, *models.Summary](size, c.onEvict, ttl)
	return c
}

func (c *Cache) onEvict(fingerprint string, _ *models.Summary) {
	c.mu.Lock()
	delete(c.scopes, fingerprint)
	c.mu.Unlock()
}

// Get returns the cached summary for a fingerprint, or nil on a miss.
// Durable-tier hits are promoted into the memory tier. Durable-tier failures
// degrade to a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.Summary, error) {
	if summary, ok := c.mem.Get(fingerprint); ok {
		return summary, nil
	}
	if c.durable == nil {
		return nil, nil
	}
	summary, err := c.durable.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// An absent entry is an ordinary miss, not a tier failure.
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		c.logger.Warn("Durable cache lookup failed, treating as miss",
			"fingerprint", fingerprint, "error", err)
		return nil, nil
	}
	if summary == nil {
		return nil, nil
	}
	c.add(fingerprint, summary)
	return summary, nil
}

// Put stores a summary in both tiers. A durable-tier failure is logged but
// does not fail the put; the memory tier still serves.
func (c *Cache) Put(ctx context.Context, fingerprint string, summary *models.Summary) error {
	c.add(fingerprint, summary)
	if c.durable == nil {
		return nil
	}
	if err := c.durable.Put(ctx, fingerprint, summary); err != nil {
		c.logger.Warn("Durable cache write failed",
			"fingerprint", fingerprint, "error", err)
	}
	return nil
}

func (c *Cache) add(fingerprint string, summary *models.Summary) {
	c.mu.Lock()
	c.scopes[fingerprint] = scope{channelID: summary.ChannelID, guildID: summary.GuildID}
	c.mu.Unlock()
	c.mem.Add(fingerprint, summary)
}

// InvalidateChannel drops every entry cached for a channel, in both tiers.
func (c *Cache) InvalidateChannel(ctx context.Context, channelID string) error {
	c.invalidateMem(func(s scope) bool { return s.channelID == channelID })
	if c.durable == nil {
		return nil
	}
	return c.durable.InvalidateChannel(ctx, channelID)
}

// InvalidateGuild drops every entry cached for a guild, in both tiers.
func (c *Cache) InvalidateGuild(ctx context.Context, guildID string) error {
	c.invalidateMem(func(s scope) bool { return s.guildID == guildID })
	if c.durable == nil {
		return nil
	}
	return c.durable.InvalidateGuild(ctx, guildID)
}

func (c *Cache) invalidateMem(match func(scope) bool) {
	c.mu.Lock()
	var victims []string
	for fp, s := range c.scopes {
		if match(s) {
			victims = append(victims, fp)
		}
	}
	c.mu.Unlock()
	for _, fp := range victims {
		c.mem.Remove(fp)
	}
}

// Len reports the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.mem.Len()
}
