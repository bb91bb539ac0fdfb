package prompt

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

func promptMessages(n int) []models.Message {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = models.Message{
			ID:         fmt.Sprintf("m%04d", i),
			AuthorID:   "u1",
			AuthorName: "Alice",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Content:    fmt.Sprintf("message number %d with some padding text to size it", i),
		}
	}
	return msgs
}

func testContext() Context {
	return Context{ChannelName: "general", GuildName: "Gophers", ParticipantCount: 3, SpanHours: 2.5}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestBuildSystemPromptProfiles(t *testing.T) {
	b := NewBuilder()
	brief := b.BuildSystemPrompt(models.LengthBrief)
	detailed := b.BuildSystemPrompt(models.LengthDetailed)
	comprehensive := b.BuildSystemPrompt(models.LengthComprehensive)

	assert.Contains(t, brief, "BRIEF")
	assert.Contains(t, brief, "3-5 key points")
	assert.Contains(t, detailed, "300-600 words")
	assert.Contains(t, comprehensive, "600-1000+ words")
	for _, p := range []string{brief, detailed, comprehensive} {
		assert.Contains(t, p, "JSON object", "all profiles share the response contract")
	}
}

func TestBuildUserPromptNoElisionWhenUnderBudget(t *testing.T) {
	b := NewBuilder()
	out, err := b.BuildUserPrompt(promptMessages(10), testContext(), models.LengthBrief, 512)
	require.NoError(t, err)
	assert.NotContains(t, out, "omitted")
	assert.Contains(t, out, "Channel: #general")
	assert.Contains(t, out, "message number 0")
	assert.Contains(t, out, "message number 9")
}

func TestBuildUserPromptElision(t *testing.T) {
	b := NewBuilder()
	// Shrink the budget until 100 messages cannot fit whole but the 30%+30%
	// envelope can.
	msgs := promptMessages(100)
	full := b.render(msgs, testContext(), 0)
	b.MaxPromptTokens = EstimateTokens(full) // well below full + system + output

	out, err := b.BuildUserPrompt(msgs, testContext(), models.LengthBrief, 64)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "[... 40 messages omitted ...]"),
		"exactly one elision marker")
	// First 30 and last 30 messages survive verbatim.
	for i := 0; i < 30; i++ {
		assert.Contains(t, out, fmt.Sprintf("message number %d with", i))
	}
	for i := 70; i < 100; i++ {
		assert.Contains(t, out, fmt.Sprintf("message number %d with", i))
	}
	assert.NotContains(t, out, "message number 50 with")

	budget := b.budget(models.LengthBrief, 64)
	assert.LessOrEqual(t, EstimateTokens(out), budget)
}

func TestBuildUserPromptExactBudgetBoundary(t *testing.T) {
	b := NewBuilder()
	msgs := promptMessages(20)
	full := b.render(msgs, testContext(), 0)
	fullTokens := EstimateTokens(full)

	// Budget exactly at the full prompt: no elision.
	b.MaxPromptTokens = fullTokens + EstimateTokens(b.BuildSystemPrompt(models.LengthBrief)) + 64 + safetyMarginTokens
	out, err := b.BuildUserPrompt(msgs, testContext(), models.LengthBrief, 64)
	require.NoError(t, err)
	assert.NotContains(t, out, "omitted")

	// One token under: elision kicks in.
	b.MaxPromptTokens--
	out, err = b.BuildUserPrompt(msgs, testContext(), models.LengthBrief, 64)
	require.NoError(t, err)
	assert.Contains(t, out, "omitted")
}

func TestBuildUserPromptTooLarge(t *testing.T) {
	b := NewBuilder()
	b.MaxPromptTokens = 1 // even the envelope cannot fit
	_, err := b.BuildUserPrompt(promptMessages(50), testContext(), models.LengthBrief, 64)
	assert.ErrorIs(t, err, models.ErrPromptTooLarge)
}

func TestBuildUserPromptIncludesCodeAndAttachments(t *testing.T) {
	b := NewBuilder()
	msgs := promptMessages(2)
	msgs[0].CodeBlocks = []models.CodeBlock{{Language: "go", Code: "x := 1"}}
	msgs[1].Attachments = []models.Attachment{{Name: "design.png", Size: 2048, Kind: "image"}}

	out, err := b.BuildUserPrompt(msgs, testContext(), models.LengthDetailed, 256)
	require.NoError(t, err)
	assert.Contains(t, out, "```go\nx := 1\n```")
	assert.Contains(t, out, "[attachment: design.png, 2048 bytes]")
}
