package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempPtr(v float32) *float32 { return &v }

func baseRequest() SummaryRequest {
	return SummaryRequest{
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Start:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestSummaryRequestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, baseRequest().Validate())
	})

	t.Run("end equals start", func(t *testing.T) {
		r := baseRequest()
		r.End = r.Start
		err := r.Validate()
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "window", ve.Field)
	})

	t.Run("end one nanosecond after start", func(t *testing.T) {
		r := baseRequest()
		r.End = r.Start.Add(time.Nanosecond)
		require.NoError(t, r.Validate())
	})

	t.Run("missing channel", func(t *testing.T) {
		r := baseRequest()
		r.ChannelID = ""
		require.Error(t, r.Validate())
	})

	t.Run("unknown length profile", func(t *testing.T) {
		r := baseRequest()
		r.Options.Length = "gigantic"
		require.Error(t, r.Validate())
	})

	t.Run("temperature out of range", func(t *testing.T) {
		r := baseRequest()
		r.Options.Temperature = tempPtr(1.5)
		require.Error(t, r.Validate())
	})
}

func TestFingerprintStability(t *testing.T) {
	r1 := baseRequest()
	r1.Options = SummaryOptions{
		Length:        LengthDetailed,
		ExcludedUsers: []string{"bob", "alice"},
		IncludeBots:   true,
	}

	// Same semantics, different option spelling: permuted excluded users,
	// explicit defaults instead of zero values.
	r2 := baseRequest()
	r2.Options = SummaryOptions{
		Length:          LengthDetailed,
		ExcludedUsers:   []string{"alice", "bob", "alice"},
		IncludeBots:     true,
		MinMessages:     DefaultMinMessages,
		Temperature:     tempPtr(DefaultTemperature),
		MaxOutputTokens: DefaultMaxOutputTokens,
	}

	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())
}

func TestFingerprintSensitivity(t *testing.T) {
	base := baseRequest()

	changed := base
	changed.End = changed.End.Add(time.Nanosecond)
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), "window change must change fingerprint")

	changed = base
	changed.ChannelID = "chan-2"
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), "channel change must change fingerprint")

	changed = base
	changed.Options.Length = LengthComprehensive
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), "length change must change fingerprint")

	changed = base
	changed.Options.Model = "other-model"
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), "model change must change fingerprint")
}

func TestOptionsNormalized(t *testing.T) {
	o := SummaryOptions{ExcludedUsers: []string{"z", "", "a", "z"}}.Normalized()
	assert.Equal(t, LengthBrief, o.Length)
	assert.Equal(t, DefaultMinMessages, o.MinMessages)
	assert.Equal(t, []string{"a", "z"}, o.ExcludedUsers)
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, DefaultTemperature, *o.Temperature, 1e-6)
	assert.Equal(t, DefaultMaxOutputTokens, o.MaxOutputTokens)
}

func TestOptionsZeroTemperaturePreserved(t *testing.T) {
	o := SummaryOptions{Temperature: tempPtr(0)}.Normalized()
	require.NotNil(t, o.Temperature)
	assert.Zero(t, *o.Temperature)

	// An explicit 0.0 is a different request than the default.
	def := baseRequest()
	zero := baseRequest()
	zero.Options.Temperature = tempPtr(0)
	assert.NotEqual(t, def.Fingerprint(), zero.Fingerprint())
	require.NoError(t, zero.Validate())
}

func TestGuildConfigValidate(t *testing.T) {
	cfg := DefaultGuildConfig("g1")
	require.NoError(t, cfg.Validate())

	cfg.EnabledChannels = []string{"a", "b"}
	cfg.ExcludedChannels = []string{"b"}
	err := cfg.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "channels", ve.Field)
}

func TestGuildConfigChannelAllowed(t *testing.T) {
	cfg := DefaultGuildConfig("g1")
	assert.True(t, cfg.ChannelAllowed("anything"), "no enabled set means all channels allowed")

	cfg.EnabledChannels = []string{"a"}
	assert.True(t, cfg.ChannelAllowed("a"))
	assert.False(t, cfg.ChannelAllowed("b"))

	cfg.EnabledChannels = nil
	cfg.ExcludedChannels = []string{"c"}
	assert.False(t, cfg.ChannelAllowed("c"))
}
