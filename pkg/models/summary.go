package models

import "time"

// Priority classifies an action item's urgency.
type Priority string

// Action-item priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ActionItem is a follow-up task extracted from the conversation.
type ActionItem struct {
	Description string     `json:"description"`
	Assignee    string     `json:"assignee,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Priority    Priority   `json:"priority"`
	SourceIDs   []string   `json:"source_ids,omitempty"` // message IDs the item was derived from
}

// TechnicalTerm is a term/definition pair surfaced by the model.
type TechnicalTerm struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	SourceID   string `json:"source_id,omitempty"`
}

// Participant aggregates one author's activity in the summarized window.
// MessageCount is derived from the normalized messages and is authoritative;
// the model's output only enriches DisplayName and Contributions.
type Participant struct {
	UserID        string   `json:"user_id"`
	DisplayName   string   `json:"display_name"`
	MessageCount  int      `json:"message_count"`
	Contributions []string `json:"contributions,omitempty"`
}

// GenerationMeta records how a summary was produced.
type GenerationMeta struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	LatencyMS        int64   `json:"latency_ms"`
	CostUSD          float64 `json:"cost_usd"`
}

// Summary is the persisted result of one summarization. Immutable after
// creation; only the guild admin may delete it.
type Summary struct {
	ID           string          `json:"id"`
	ChannelID    string          `json:"channel_id"`
	GuildID      string          `json:"guild_id"`
	Fingerprint  string          `json:"fingerprint"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	MessageCount int             `json:"message_count"`
	Body         string          `json:"body"`
	KeyPoints    []string        `json:"key_points,omitempty"`
	ActionItems  []ActionItem    `json:"action_items,omitempty"`
	Terms        []TechnicalTerm `json:"technical_terms,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Meta         GenerationMeta  `json:"meta"`
	CreatedAt    time.Time       `json:"created_at"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// SummaryCriteria filters FindSummaries queries. Zero-value fields are
// ignored.
type SummaryCriteria struct {
	GuildID   string
	ChannelID string
	After     time.Time
	Before    time.Time
}
