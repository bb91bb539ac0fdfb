package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

type fakeDurable struct {
	mu      sync.Mutex
	entries map[string]*models.Summary
	getErr  error
	putErr  error

	gets, puts int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{entries: map[string]*models.Summary{}}
}

func (f *fakeDurable) Get(_ context.Context, fp string) (*models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[fp], nil
}

func (f *fakeDurable) Put(_ context.Context, fp string, s *models.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.entries[fp] = s
	return nil
}

func (f *fakeDurable) InvalidateChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fp, s := range f.entries {
		if s.ChannelID == channelID {
			delete(f.entries, fp)
		}
	}
	return nil
}

func (f *fakeDurable) InvalidateGuild(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fp, s := range f.entries {
		if s.GuildID == guildID {
			delete(f.entries, fp)
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func summaryFor(channel, guild string) *models.Summary {
	return &models.Summary{ID: "s-" + channel, ChannelID: channel, GuildID: guild, Body: "body"}
}

func TestCachePutGet(t *testing.T) {
	durable := newFakeDurable()
	c := New(10, time.Minute, durable, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ChannelID)
	assert.Equal(t, 0, durable.gets, "memory tier served the hit")
	assert.Equal(t, 1, durable.puts, "put reached the durable tier")
}

func TestCachePromotesDurableHit(t *testing.T) {
	durable := newFakeDurable()
	durable.entries["fp1"] = summaryFor("c1", "g1")
	c := New(10, time.Minute, durable, testLogger())
	ctx := context.Background()

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, durable.gets)

	// Second lookup is served from memory.
	got, err = c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, durable.gets)
}

func TestCacheMiss(t *testing.T) {
	c := New(10, time.Minute, newFakeDurable(), testLogger())
	got, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheNotFoundIsSilentMiss(t *testing.T) {
	durable := newFakeDurable()
	durable.getErr = models.ErrNotFound

	var logs bytes.Buffer
	c := New(10, time.Minute, durable, slog.New(slog.NewTextHandler(&logs, nil)))

	got, err := c.Get(context.Background(), "cold")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, logs.String(), "an absent entry must not log a tier failure")
}

func TestCacheDurableFailureDegradesToMiss(t *testing.T) {
	durable := newFakeDurable()
	durable.getErr = errors.New("db down")
	c := New(10, time.Minute, durable, testLogger())

	got, err := c.Get(context.Background(), "fp1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheDurablePutFailureStillCachesInMemory(t *testing.T) {
	durable := newFakeDurable()
	durable.putErr = errors.New("db down")
	c := New(10, time.Minute, durable, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))
	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCacheInvalidateChannel(t *testing.T) {
	durable := newFakeDurable()
	c := New(10, time.Minute, durable, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))
	require.NoError(t, c.Put(ctx, "fp2", summaryFor("c2", "g1")))

	require.NoError(t, c.InvalidateChannel(ctx, "c1"))

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Nil(t, got, "c1 entry dropped from both tiers")

	got, err = c.Get(ctx, "fp2")
	require.NoError(t, err)
	assert.NotNil(t, got, "other channel untouched")
}

func TestCacheInvalidateGuild(t *testing.T) {
	durable := newFakeDurable()
	c := New(10, time.Minute, durable, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))
	require.NoError(t, c.Put(ctx, "fp2", summaryFor("c2", "g1")))
	require.NoError(t, c.Put(ctx, "fp3", summaryFor("c3", "g2")))

	require.NoError(t, c.InvalidateGuild(ctx, "g1"))
	assert.Equal(t, 1, c.Len())

	got, err := c.Get(ctx, "fp3")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCacheMemoryTTL(t *testing.T) {
	durable := newFakeDurable()
	c := New(10, 20*time.Millisecond, durable, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))
	time.Sleep(50 * time.Millisecond)

	// Memory tier expired; the durable tier still answers.
	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.GreaterOrEqual(t, durable.gets, 1)
}

func TestCacheWithoutDurableTier(t *testing.T) {
	c := New(10, time.Minute, nil, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", summaryFor("c1", "g1")))
	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	require.NoError(t, c.InvalidateChannel(ctx, "c1"))
	got, err = c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
