package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

func raw(id, author, content string, ts time.Time) models.RawMessage {
	return models.RawMessage{
		ID:         id,
		AuthorID:   author,
		AuthorName: author,
		Timestamp:  ts,
		Content:    content,
	}
}

func TestApplyDropsBots(t *testing.T) {
	ts := time.Now()
	bot := raw("1", "botto", "beep boop", ts)
	bot.IsBot = true
	human := raw("2", "alice", "hello world", ts.Add(time.Second))

	out := Apply([]models.RawMessage{bot, human}, Options{})
	require.Len(t, out, 1)
	assert.Equal(t, "2", out[0].ID)

	out = Apply([]models.RawMessage{bot, human}, Options{IncludeBots: true})
	assert.Len(t, out, 2)
}

func TestApplyDropsSystemAndExcluded(t *testing.T) {
	ts := time.Now()
	system := raw("1", "alice", "alice pinned a message", ts)
	system.Kind = "pin"
	excluded := raw("2", "mallory", "spam spam", ts)
	keep := raw("3", "bob", "actual content", ts)

	out := Apply([]models.RawMessage{system, excluded, keep},
		Options{ExcludedUsers: []string{"mallory"}})
	require.Len(t, out, 1)
	assert.Equal(t, "3", out[0].ID)
}

func TestApplyDropsEmptyAndEmojiOnly(t *testing.T) {
	ts := time.Now()
	msgs := []models.RawMessage{
		raw("1", "a", "   \n\t ", ts),
		raw("2", "b", "👍", ts),
		raw("3", "c", "🎉 🎉 🎉", ts),
		raw("4", "d", "<:custom:12345>", ts),
		raw("5", "e", "real text 👍", ts),
	}
	out := Apply(msgs, Options{})
	require.Len(t, out, 1)
	assert.Equal(t, "5", out[0].ID)
}

func TestApplyExtractsCodeBlocks(t *testing.T) {
	ts := time.Now()
	content := "try this:\n```go\nfmt.Println(\"hi\")\n```\nworks for me"
	out := Apply([]models.RawMessage{raw("1", "a", content, ts)}, Options{})
	require.Len(t, out, 1)
	require.Len(t, out[0].CodeBlocks, 1)
	assert.Equal(t, "go", out[0].CodeBlocks[0].Language)
	assert.Equal(t, `fmt.Println("hi")`, out[0].CodeBlocks[0].Code)
	assert.Contains(t, out[0].Content, "try this:")
	assert.Contains(t, out[0].Content, "works for me")
	assert.NotContains(t, out[0].Content, "```")
}

func TestApplyNormalizesMentions(t *testing.T) {
	ts := time.Now()
	m := raw("1", "a", "ping <@111> and <@!222> and <@333>", ts)
	m.Mentions = map[string]string{"111": "Alice", "222": "Bob"}
	out := Apply([]models.RawMessage{m}, Options{})
	require.Len(t, out, 1)
	assert.Equal(t, "ping @Alice and @Bob and @333", out[0].Content)
	assert.Equal(t, []string{"111", "222"}, out[0].Mentions)
}

func TestApplyCollapsesWhitespaceKeepsLinks(t *testing.T) {
	ts := time.Now()
	m := raw("1", "a", "see    https://example.com/page\t\tnow", ts)
	out := Apply([]models.RawMessage{m}, Options{})
	require.Len(t, out, 1)
	assert.Equal(t, "see https://example.com/page now", out[0].Content)
}

func TestApplyOrdering(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := []models.RawMessage{
		raw("b", "x", "second by id", base),
		raw("a", "x", "first by id", base),
		raw("c", "x", "earliest", base.Add(-time.Minute)),
	}
	out := Apply(msgs, Options{})
	require.Len(t, out, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{out[0].ID, out[1].ID, out[2].ID})
}
