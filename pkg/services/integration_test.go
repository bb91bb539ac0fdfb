package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// setupDB starts a shared Postgres container (once per package), applies
// migrations through database.NewClient, and returns a ready client.
// Skipped in -short mode.
func setupDB(t *testing.T) *database.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()
	containerOnce.Do(func() {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("recapd_test"),
			tcpostgres.WithUsername("recapd"),
			tcpostgres.WithPassword("recapd"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)

	client, err := database.NewClient(ctx, database.Config{
		URL:          containerDSN,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testSummary(channel, guild string) *models.Summary {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Summary{
		ID:           uuid.New().String(),
		ChannelID:    channel,
		GuildID:      guild,
		Fingerprint:  uuid.New().String(),
		StartTime:    now.Add(-time.Hour),
		EndTime:      now,
		MessageCount: 42,
		Body:         "a productive conversation",
		KeyPoints:    []string{"first", "second"},
		ActionItems: []models.ActionItem{
			{Description: "ship it", Assignee: "alice", Priority: models.PriorityHigh},
		},
		Participants: []models.Participant{
			{UserID: "u1", DisplayName: "Alice", MessageCount: 20},
		},
		Meta:      models.GenerationMeta{Model: "gpt-4o-mini", PromptTokens: 900, CompletionTokens: 200, LatencyMS: 1200, CostUSD: 0.0002},
		CreatedAt: now,
	}
}

func TestSummaryServiceRoundTrip(t *testing.T) {
	client := setupDB(t)
	svc := NewSummaryService(client.DB())
	ctx := context.Background()

	s := testSummary("chan-rt", "guild-rt")
	require.NoError(t, svc.Save(ctx, s))

	got, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Body, got.Body)
	assert.Equal(t, s.KeyPoints, got.KeyPoints)
	assert.Equal(t, s.ActionItems, got.ActionItems)
	assert.Equal(t, s.Participants, got.Participants)
	assert.Equal(t, s.Meta, got.Meta)
	assert.True(t, s.StartTime.Equal(got.StartTime))

	// Duplicate primary key → constraint violation.
	err = svc.Save(ctx, s)
	assert.ErrorIs(t, err, models.ErrConstraint)

	// Missing key → not found.
	_, err = svc.Get(ctx, "no-such-id")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, svc.Delete(ctx, s.ID))
	assert.ErrorIs(t, svc.Delete(ctx, s.ID), models.ErrNotFound)
}

func TestSummaryServiceFindAndCount(t *testing.T) {
	client := setupDB(t)
	svc := NewSummaryService(client.DB())
	ctx := context.Background()

	guild := "guild-find-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		s := testSummary("chan-find", guild)
		s.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, svc.Save(ctx, s))
	}

	found, err := svc.Find(ctx, models.SummaryCriteria{GuildID: guild}, 2, 0, false)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[0].CreatedAt.After(found[1].CreatedAt), "default order is newest first")

	count, err := svc.Count(ctx, models.SummaryCriteria{GuildID: guild})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	byChannel, err := svc.GetByChannel(ctx, "chan-find", 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(byChannel), 3)
}

func TestGuildConfigServiceUpsert(t *testing.T) {
	client := setupDB(t)
	svc := NewGuildConfigService(client.DB())
	ctx := context.Background()

	guild := "guild-cfg-" + uuid.NewString()

	// Unconfigured guild falls back to defaults.
	cfg, err := svc.Get(ctx, guild)
	require.NoError(t, err)
	assert.True(t, cfg.Permissions.RequireAdminForConfig)

	_, err = svc.GetStored(ctx, guild)
	assert.ErrorIs(t, err, models.ErrNotFound)

	cfg.EnabledChannels = []string{"c1"}
	cfg.WebhookEnabled = true
	cfg.WebhookSecret = "s3cret"
	require.NoError(t, svc.Save(ctx, cfg))

	stored, err := svc.GetStored(ctx, guild)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, stored.EnabledChannels)
	assert.True(t, stored.WebhookEnabled)

	// Invariant violation rejected before touching the database.
	stored.ExcludedChannels = []string{"c1"}
	var ve *models.ValidationError
	assert.ErrorAs(t, svc.Save(ctx, stored), &ve)

	require.NoError(t, svc.Delete(ctx, guild))
}

func testTask(guild string) *models.ScheduledTask {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.ScheduledTask{
		ID:        uuid.New().String(),
		Name:      "daily-recap-" + uuid.NewString()[:8],
		ChannelID: "chan-task",
		GuildID:   guild,
		Schedule:  "daily@09:00",
		Destinations: []models.Destination{
			{Kind: models.SinkDiscordChannel, Target: "chan-task", Format: "embed"},
		},
		Options:           models.SummaryOptions{}.Normalized(),
		Active:            true,
		CreatedAt:         now,
		CreatedBy:         "admin-user",
		NextRun:           now.Add(time.Hour),
		MaxFailures:       models.DefaultMaxFailures,
		RetryDelayMinutes: models.DefaultRetryDelayMinutes,
	}
}

func TestTaskServiceLifecycle(t *testing.T) {
	client := setupDB(t)
	svc := NewTaskService(client.DB())
	ctx := context.Background()

	guild := "guild-task-" + uuid.NewString()
	task := testTask(guild)
	require.NoError(t, svc.Create(ctx, task))

	// Duplicate (guild, name) rejected.
	dup := testTask(guild)
	dup.Name = task.Name
	assert.ErrorIs(t, svc.Create(ctx, dup), models.ErrConstraint)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Destinations, got.Destinations)
	assert.Nil(t, got.LastRun)

	// Not yet due.
	due, err := svc.Due(ctx, time.Now())
	require.NoError(t, err)
	for _, d := range due {
		assert.NotEqual(t, task.ID, d.ID)
	}

	// Make it due and verify pick-up.
	got.NextRun = time.Now().UTC().Add(-time.Minute)
	lastRun := time.Now().UTC().Add(-25 * time.Hour).Truncate(time.Microsecond)
	got.LastRun = &lastRun
	require.NoError(t, svc.Update(ctx, got))

	due, err = svc.Due(ctx, time.Now())
	require.NoError(t, err)
	var foundDue bool
	for _, d := range due {
		if d.ID == task.ID {
			foundDue = true
			require.NotNil(t, d.LastRun)
			assert.True(t, lastRun.Equal(*d.LastRun))
		}
	}
	assert.True(t, foundDue)

	require.NoError(t, svc.SetActive(ctx, task.ID, false))
	paused, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, paused.Active)

	require.NoError(t, svc.Delete(ctx, task.ID))
	assert.ErrorIs(t, svc.SetActive(ctx, task.ID, true), models.ErrNotFound)
}

func TestExecutionServiceAndOrphanRecovery(t *testing.T) {
	client := setupDB(t)
	tasks := NewTaskService(client.DB())
	execs := NewExecutionService(client.DB())
	ctx := context.Background()

	task := testTask("guild-exec-" + uuid.NewString())
	require.NoError(t, tasks.Create(ctx, task))

	running := &models.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    models.ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, execs.Save(ctx, running))

	// Execution referencing a missing task is a foreign-key violation.
	bad := &models.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    "no-such-task",
		Status:    models.ExecutionPending,
		StartedAt: time.Now().UTC(),
	}
	assert.ErrorIs(t, execs.Save(ctx, bad), models.ErrConstraint)

	recovered, err := execs.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, recovered, 1)

	list, err := execs.GetByTask(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ExecutionFailed, list[0].Status)
	assert.NotNil(t, list[0].CompletedAt)

	// Cascade delete.
	require.NoError(t, tasks.Delete(ctx, task.ID))
	list, err = execs.GetByTask(ctx, task.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCacheServiceDurableTier(t *testing.T) {
	client := setupDB(t)
	summaries := NewSummaryService(client.DB())
	cache := NewCacheService(client.DB(), summaries, time.Hour)
	ctx := context.Background()

	s := testSummary("chan-cache", "guild-cache-"+uuid.NewString())
	require.NoError(t, summaries.Save(ctx, s))
	require.NoError(t, cache.Put(ctx, s.Fingerprint, s))

	got, err := cache.Get(ctx, s.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	// Channel-scoped invalidation.
	require.NoError(t, cache.InvalidateChannel(ctx, s.ChannelID))
	_, err = cache.Get(ctx, s.Fingerprint)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Expired entries behave as misses.
	expired := NewCacheService(client.DB(), summaries, -time.Minute)
	require.NoError(t, expired.Put(ctx, s.Fingerprint, s))
	_, err = expired.Get(ctx, s.Fingerprint)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
