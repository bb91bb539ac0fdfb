package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

func TestParseJSON(t *testing.T) {
	raw := `Here is the summary you asked for:
{
  "summary": "The team debated the cache eviction policy.",
  "key_points": ["LRU chosen over LFU", "TTL set to one hour"],
  "action_items": [
    {"description": "Benchmark eviction under load", "assignee": "alice", "priority": "high", "source_ids": ["m1", "m7"]}
  ],
  "technical_terms": [
    {"term": "LRU", "definition": "least recently used eviction", "source_id": "m3"}
  ],
  "participants": [
    {"user_id": "111", "display_name": "Alice", "contributions": ["proposed LRU"]}
  ]
}
Hope that helps!`

	res := Parse(raw)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "The team debated the cache eviction policy.", res.Body)
	assert.Equal(t, []string{"LRU chosen over LFU", "TTL set to one hour"}, res.KeyPoints)
	require.Len(t, res.ActionItems, 1)
	assert.Equal(t, "alice", res.ActionItems[0].Assignee)
	assert.Equal(t, models.PriorityHigh, res.ActionItems[0].Priority)
	assert.Equal(t, []string{"m1", "m7"}, res.ActionItems[0].SourceIDs)
	require.Len(t, res.Terms, 1)
	assert.Equal(t, "LRU", res.Terms[0].Term)
	require.Len(t, res.Participants, 1)
	assert.Equal(t, "Alice", res.Participants[0].DisplayName)
}

func TestParseJSONInsideCodeFence(t *testing.T) {
	raw := "```json\n{\"summary\": \"Short recap.\", \"key_points\": [\"one\"]}\n```"
	res := Parse(raw)
	assert.Equal(t, "Short recap.", res.Body)
	assert.Equal(t, []string{"one"}, res.KeyPoints)
	assert.Empty(t, res.Warnings)
}

func TestParseJSONBracesInsideStrings(t *testing.T) {
	raw := `{"summary": "uses {braces} and \"quotes\" inside", "key_points": []}`
	res := Parse(raw)
	assert.Equal(t, `uses {braces} and "quotes" inside`, res.Body)
}

func TestParseJSONMissingSummaryFallsThrough(t *testing.T) {
	// Valid JSON without the required field is not accepted as structured.
	res := Parse(`{"key_points": ["a"]}`)
	assert.Contains(t, res.Warnings, WarningUnstructured)
}

func TestParseMarkdown(t *testing.T) {
	raw := `## Summary
The channel discussed the release schedule.

## Key points
- Release moved to Friday
- QA signoff still pending

## Action items
- @bob to tag the release candidate (urgent)
- Alice: update the changelog

## Technical terms
- **RC**: release candidate build

## Participants
- Bob: drove the schedule discussion`

	res := Parse(raw)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "The channel discussed the release schedule.", res.Body)
	assert.Equal(t, []string{"Release moved to Friday", "QA signoff still pending"}, res.KeyPoints)

	require.Len(t, res.ActionItems, 2)
	assert.Equal(t, "bob", res.ActionItems[0].Assignee)
	assert.Equal(t, models.PriorityHigh, res.ActionItems[0].Priority)
	assert.Equal(t, "Alice", res.ActionItems[1].Assignee)
	assert.Equal(t, "update the changelog", res.ActionItems[1].Description)
	assert.Equal(t, models.PriorityMedium, res.ActionItems[1].Priority)

	require.Len(t, res.Terms, 1)
	assert.Equal(t, "RC", res.Terms[0].Term)
	assert.Equal(t, "release candidate build", res.Terms[0].Definition)

	require.Len(t, res.Participants, 1)
	assert.Equal(t, "Bob", res.Participants[0].DisplayName)
	assert.Equal(t, []string{"drove the schedule discussion"}, res.Participants[0].Contributions)
}

func TestParseMarkdownBoldHeadings(t *testing.T) {
	raw := "**Summary**\nQuick recap here.\n\n**Key points**\n- point one"
	res := Parse(raw)
	assert.Equal(t, "Quick recap here.", res.Body)
	assert.Equal(t, []string{"point one"}, res.KeyPoints)
}

func TestParseFreeform(t *testing.T) {
	raw := `People talked about the outage.
- root cause was a bad deploy
- rollback took ten minutes
Nothing else of note.`

	res := Parse(raw)
	assert.Contains(t, res.Warnings, WarningUnstructured)
	assert.Equal(t, []string{"root cause was a bad deploy", "rollback took ten minutes"}, res.KeyPoints)
	assert.Contains(t, res.Body, "People talked about the outage.")
	assert.Contains(t, res.Body, "Nothing else of note.")
}

func TestParseEmpty(t *testing.T) {
	res := Parse("   \n  ")
	assert.Empty(t, res.Body)
	assert.Contains(t, res.Warnings, WarningUnstructured)
}

func TestInferPriority(t *testing.T) {
	assert.Equal(t, models.PriorityHigh, inferPriority("do this NOW!"))
	assert.Equal(t, models.PriorityHigh, inferPriority("urgent fix"))
	assert.Equal(t, models.PriorityHigh, inferPriority("high"))
	assert.Equal(t, models.PriorityLow, inferPriority("low importance"))
	assert.Equal(t, models.PriorityMedium, inferPriority("just a task"))
	assert.Equal(t, models.PriorityMedium, inferPriority(""))
}

func TestExtractJSONObjectUnbalanced(t *testing.T) {
	_, ok := extractJSONObject(`{"summary": "truncated`)
	assert.False(t, ok)
}
