package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LengthProfile selects the target size and structure of a summary.
type LengthProfile string

// Supported length profiles.
const (
	LengthBrief         LengthProfile = "brief"
	LengthDetailed      LengthProfile = "detailed"
	LengthComprehensive LengthProfile = "comprehensive"
)

// Valid reports whether p is a known profile.
func (p LengthProfile) Valid() bool {
	switch p {
	case LengthBrief, LengthDetailed, LengthComprehensive:
		return true
	}
	return false
}

// Default option values applied by SummaryOptions.Normalized.
const (
	DefaultMinMessages     = 5
	DefaultTemperature     = 0.3
	DefaultMaxOutputTokens = 1024
)

// SummaryOptions tunes a single summarization request. The zero value is
// usable after Normalized fills in defaults.
type SummaryOptions struct {
	Length          LengthProfile `json:"length"`
	IncludeBots     bool          `json:"include_bots"`
	ExcludedUsers   []string      `json:"excluded_users,omitempty"`
	MinMessages     int           `json:"min_messages"`
	Model           string        `json:"model,omitempty"`
	// Temperature is a pointer so an explicit 0.0 is distinguishable from
	// "not set": only a nil value receives the default.
	Temperature     *float32      `json:"temperature,omitempty"`
	MaxOutputTokens int           `json:"max_output_tokens"`
}

// Normalized returns a copy with defaults applied and the excluded-user set
// sorted and deduplicated. Fingerprinting and validation both operate on the
// normalized form so option spelling never changes semantics.
func (o SummaryOptions) Normalized() SummaryOptions {
	out := o
	if out.Length == "" {
		out.Length = LengthBrief
	}
	if out.MinMessages <= 0 {
		out.MinMessages = DefaultMinMessages
	}
	if o.Temperature == nil {
		t := float32(DefaultTemperature)
		out.Temperature = &t
	} else {
		t := *o.Temperature
		out.Temperature = &t
	}
	if out.MaxOutputTokens <= 0 {
		out.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if len(o.ExcludedUsers) > 0 {
		seen := make(map[string]struct{}, len(o.ExcludedUsers))
		out.ExcludedUsers = make([]string, 0, len(o.ExcludedUsers))
		for _, u := range o.ExcludedUsers {
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out.ExcludedUsers = append(out.ExcludedUsers, u)
		}
		sort.Strings(out.ExcludedUsers)
	}
	return out
}

// Validate checks option values against their allowed ranges.
func (o SummaryOptions) Validate() error {
	n := o.Normalized()
	if !n.Length.Valid() {
		return NewValidationError("length", fmt.Sprintf("unknown profile %q", o.Length))
	}
	if *n.Temperature < 0 || *n.Temperature > 1 {
		return NewValidationError("temperature", "must be between 0.0 and 1.0")
	}
	if n.MaxOutputTokens > 16384 {
		return NewValidationError("max_output_tokens", "must not exceed 16384")
	}
	return nil
}

// SummaryRequest describes one summarization over a channel time window.
type SummaryRequest struct {
	ChannelID string         `json:"channel_id"`
	GuildID   string         `json:"guild_id"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"` // exclusive
	Options   SummaryOptions `json:"options"`

	// AllowNarrowing lets the engine halve the window once when the prompt
	// cannot fit the token budget even after elision.
	AllowNarrowing bool `json:"allow_narrowing,omitempty"`
}

// Validate checks the request's structural invariants. Window-size limits are
// enforced by the engine, which owns the max-window policy.
func (r SummaryRequest) Validate() error {
	if r.ChannelID == "" {
		return NewValidationError("channel_id", "required")
	}
	if r.GuildID == "" {
		return NewValidationError("guild_id", "required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return NewValidationError("window", "start and end are required")
	}
	if !r.Start.Before(r.End) {
		return NewValidationError("window", "start must be before end")
	}
	return r.Options.Validate()
}

// Fingerprint returns the stable hash identifying this request's semantic
// content: channel, window, and normalized options. Two requests with equal
// fingerprints are interchangeable for caching and single-flight purposes.
func (r SummaryRequest) Fingerprint() string {
	o := r.Options.Normalized()
	pairs := []string{
		"exclude=" + strings.Join(o.ExcludedUsers, ","),
		"include_bots=" + strconv.FormatBool(o.IncludeBots),
		"length=" + string(o.Length),
		"max_output_tokens=" + strconv.Itoa(o.MaxOutputTokens),
		"min_messages=" + strconv.Itoa(o.MinMessages),
		"model=" + o.Model,
		"temperature=" + strconv.FormatFloat(float64(*o.Temperature), 'f', 4, 32),
	}
	sort.Strings(pairs)

	var sb strings.Builder
	sb.WriteString(r.ChannelID)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(r.Start.UTC().UnixNano(), 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(r.End.UTC().UnixNano(), 10))
	for _, p := range pairs {
		sb.WriteByte('|')
		sb.WriteString(p)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
