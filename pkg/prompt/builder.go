// Package prompt composes the system and user prompts sent to the LLM,
// enforcing the token budget by eliding messages from the middle of the
// window when necessary.
package prompt

import (
	"fmt"
	"strings"

	"github.com/recapd/recapd/pkg/models"
)

// Budget and elision defaults.
const (
	DefaultMaxPromptTokens = 8000
	DefaultKeepRatio       = 0.30 // share of messages preserved at each edge
	safetyMarginTokens     = 256
)

// Context carries the channel-level facts included in the user prompt header.
type Context struct {
	ChannelName      string
	GuildName        string
	ParticipantCount int
	SpanHours        float64
}

// Builder is stateless and safe for concurrent use.
type Builder struct {
	// MaxPromptTokens is the model's total context budget for the prompt
	// side (system + user), before output and safety margin are subtracted.
	MaxPromptTokens int

	// KeepRatio is the fraction of messages preserved at the start and at
	// the end of the window when eliding.
	KeepRatio float64
}

// NewBuilder returns a Builder with the default budget.
func NewBuilder() *Builder {
	return &Builder{
		MaxPromptTokens: DefaultMaxPromptTokens,
		KeepRatio:       DefaultKeepRatio,
	}
}

// EstimateTokens approximates token count with the 1 token ≈ 4 characters
// rule, rounding up.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// BuildSystemPrompt returns the system prompt for a length profile.
func (b *Builder) BuildSystemPrompt(length models.LengthProfile) string {
	switch length {
	case models.LengthDetailed:
		return systemDetailed
	case models.LengthComprehensive:
		return systemComprehensive
	default:
		return systemBrief
	}
}

// BuildUserPrompt renders the transcript for the LLM. When the composed
// prompt would exceed the budget, messages are elided from the middle of the
// chronological window and replaced with a single marker. Returns
// ErrPromptTooLarge when even the first+last envelope does not fit.
func (b *Builder) BuildUserPrompt(messages []models.Message, pctx Context, length models.LengthProfile, maxOutputTokens int) (string, error) {
	budget := b.budget(length, maxOutputTokens)

	full := b.render(messages, pctx, 0)
	if EstimateTokens(full) <= budget {
		return full, nil
	}

	keep := int(float64(len(messages)) * b.KeepRatio)
	if keep < 1 {
		keep = 1
	}
	omitted := len(messages) - 2*keep
	if omitted < 1 {
		return "", models.ErrPromptTooLarge
	}

	envelope := make([]models.Message, 0, 2*keep)
	envelope = append(envelope, messages[:keep]...)
	envelope = append(envelope, messages[len(messages)-keep:]...)
	elided := b.renderElided(envelope, keep, omitted, pctx)
	if EstimateTokens(elided) <= budget {
		return elided, nil
	}
	return "", models.ErrPromptTooLarge
}

// budget returns the token allowance for the user prompt: the total prompt
// budget minus the system prompt, the output reservation, and a safety
// margin.
func (b *Builder) budget(length models.LengthProfile, maxOutputTokens int) int {
	max := b.MaxPromptTokens
	if max <= 0 {
		max = DefaultMaxPromptTokens
	}
	return max - EstimateTokens(b.BuildSystemPrompt(length)) - maxOutputTokens - safetyMarginTokens
}

func (b *Builder) render(messages []models.Message, pctx Context, _ int) string {
	var sb strings.Builder
	b.writeHeader(&sb, pctx, len(messages))
	for i := range messages {
		b.writeMessage(&sb, &messages[i])
	}
	return sb.String()
}

func (b *Builder) renderElided(envelope []models.Message, keep, omitted int, pctx Context) string {
	var sb strings.Builder
	b.writeHeader(&sb, pctx, len(envelope)+omitted)
	for i := range envelope[:keep] {
		b.writeMessage(&sb, &envelope[i])
	}
	fmt.Fprintf(&sb, "\n[... %d messages omitted ...]\n\n", omitted)
	for i := keep; i < len(envelope); i++ {
		b.writeMessage(&sb, &envelope[i])
	}
	return sb.String()
}

func (b *Builder) writeHeader(sb *strings.Builder, pctx Context, messageCount int) {
	fmt.Fprintf(sb, "Channel: #%s (server: %s)\n", pctx.ChannelName, pctx.GuildName)
	fmt.Fprintf(sb, "Participants: %d, messages: %d, span: %.1f hours\n\n",
		pctx.ParticipantCount, messageCount, pctx.SpanHours)
	sb.WriteString("Transcript:\n")
}

func (b *Builder) writeMessage(sb *strings.Builder, m *models.Message) {
	fmt.Fprintf(sb, "[%s] %s (id=%s): %s\n",
		m.Timestamp.Format("2006-01-02 15:04"), m.AuthorName, m.ID, m.Content)
	for _, block := range m.CodeBlocks {
		fmt.Fprintf(sb, "```%s\n%s\n```\n", block.Language, block.Code)
	}
	for _, att := range m.Attachments {
		fmt.Fprintf(sb, "  [attachment: %s, %d bytes]\n", att.Name, att.Size)
	}
}
