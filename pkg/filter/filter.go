// Package filter turns raw platform messages into canonical Message records:
// it drops noise (bots, system events, empty content, excluded authors) and
// normalizes what remains.
package filter

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/recapd/recapd/pkg/models"
)

// Options controls which messages survive filtering.
type Options struct {
	IncludeBots   bool
	ExcludedUsers []string
}

var (
	codeBlockRe   = regexp.MustCompile("(?s)```([a-zA-Z0-9+#-]*)\\n?(.*?)```")
	mentionRe     = regexp.MustCompile(`<@!?(\d+)>`)
	customEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// Apply filters and normalizes raw messages. Survivors come back in ascending
// (timestamp, id) order regardless of input order.
func Apply(raw []models.RawMessage, opts Options) []models.Message {
	excluded := make(map[string]struct{}, len(opts.ExcludedUsers))
	for _, u := range opts.ExcludedUsers {
		excluded[u] = struct{}{}
	}

	out := make([]models.Message, 0, len(raw))
	for _, m := range raw {
		if m.IsBot && !opts.IncludeBots {
			continue
		}
		if m.Kind != "" {
			// join/leave/pin/boost and other platform system messages
			continue
		}
		if _, skip := excluded[m.AuthorID]; skip {
			continue
		}

		content, blocks := extractCodeBlocks(m.Content)
		content = normalizeMentions(content, m.Mentions)
		content = cleanContent(content)
		if content == "" && len(blocks) == 0 {
			continue
		}

		mentions := make([]string, 0, len(m.Mentions))
		for id := range m.Mentions {
			mentions = append(mentions, id)
		}
		sort.Strings(mentions)

		out = append(out, models.Message{
			ID:          m.ID,
			AuthorID:    m.AuthorID,
			AuthorName:  m.AuthorName,
			IsBot:       m.IsBot,
			Timestamp:   m.Timestamp.UTC(),
			Content:     content,
			CodeBlocks:  blocks,
			Mentions:    mentions,
			Attachments: m.Attachments,
			ThreadID:    m.ThreadID,
			ReplyToID:   m.ReplyToID,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// extractCodeBlocks pulls fenced code blocks out of the content, preserving
// the language tag when present.
func extractCodeBlocks(content string) (string, []models.CodeBlock) {
	var blocks []models.CodeBlock
	cleaned := codeBlockRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		code := strings.TrimRight(parts[2], "\n")
		if strings.TrimSpace(code) == "" {
			return ""
		}
		blocks = append(blocks, models.CodeBlock{
			Language: strings.ToLower(parts[1]),
			Code:     code,
		})
		return ""
	})
	return cleaned, blocks
}

// normalizeMentions rewrites platform mention syntax to @DisplayName using
// the resolved user map; unresolved mentions keep the raw ID.
func normalizeMentions(content string, resolved map[string]string) string {
	return mentionRe.ReplaceAllStringFunc(content, func(match string) string {
		id := mentionRe.FindStringSubmatch(match)[1]
		if name, ok := resolved[id]; ok && name != "" {
			return "@" + name
		}
		return "@" + id
	})
}

// cleanContent collapses whitespace runs and strips custom emoji. Links are
// left intact. Returns "" when nothing but whitespace and standalone emoji
// remains.
func cleanContent(content string) string {
	content = customEmojiRe.ReplaceAllString(content, "")
	content = spaceRunRe.ReplaceAllString(content, " ")
	content = blankRunRe.ReplaceAllString(content, "\n\n")
	content = strings.TrimSpace(content)

	if isEmojiOnly(content) {
		return ""
	}
	return content
}

// isEmojiOnly reports whether s consists solely of emoji, symbols, and
// whitespace, the "👍" and "🎉🎉🎉" class of message.
func isEmojiOnly(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) {
			return false
		}
	}
	return true
}
