// Package parser turns raw LLM output into the structured summary record.
// It tries JSON first, then recognized markdown headings, then a freeform
// fallback. Parsing always succeeds; degraded input yields warnings instead
// of errors.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/recapd/recapd/pkg/models"
)

// WarningUnstructured marks output that matched no structured strategy.
const WarningUnstructured = "unstructured-response"

// Result is the structured content extracted from one LLM response.
type Result struct {
	Body         string
	KeyPoints    []string
	ActionItems  []models.ActionItem
	Terms        []models.TechnicalTerm
	Participants []models.Participant
	Warnings     []string
}

var (
	assigneeMentionRe = regexp.MustCompile(`@([\w][\w.-]*)`)
	assigneePrefixRe  = regexp.MustCompile(`^([A-Z][\w.-]*):\s+`)
	headingRe         = regexp.MustCompile(`(?i)^(?:#{1,6}\s+|\*\*)(summary|key points|action items|technical terms|participants)(?:\*\*)?:?\s*$`)
	bulletRe          = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.*)$`)
	boldTermRe        = regexp.MustCompile(`^\*\*(.+?)\*\*[:\s-]*\s*(.*)$`)
)

// Parse extracts a Result from raw model output using the first strategy
// that applies.
func Parse(raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{Warnings: []string{WarningUnstructured}}
	}
	if res, ok := parseJSON(raw); ok {
		return res
	}
	if res, ok := parseMarkdown(raw); ok {
		return res
	}
	return parseFreeform(raw)
}

// wire mirrors the JSON shape the prompt asks for. Unknown fields are
// ignored; models drift.
type wire struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	ActionItems []struct {
		Description string   `json:"description"`
		Assignee    string   `json:"assignee"`
		Priority    string   `json:"priority"`
		SourceIDs   []string `json:"source_ids"`
	} `json:"action_items"`
	TechnicalTerms []struct {
		Term       string `json:"term"`
		Definition string `json:"definition"`
		SourceID   string `json:"source_id"`
	} `json:"technical_terms"`
	Participants []struct {
		UserID        string   `json:"user_id"`
		DisplayName   string   `json:"display_name"`
		Contributions []string `json:"contributions"`
	} `json:"participants"`
}

func parseJSON(raw string) (Result, bool) {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return Result{}, false
	}
	var w wire
	if err := json.Unmarshal([]byte(obj), &w); err != nil || w.Summary == "" {
		return Result{}, false
	}

	res := Result{Body: strings.TrimSpace(w.Summary), KeyPoints: w.KeyPoints}
	for _, a := range w.ActionItems {
		if a.Description == "" {
			continue
		}
		res.ActionItems = append(res.ActionItems, models.ActionItem{
			Description: a.Description,
			Assignee:    a.Assignee,
			Priority:    inferPriority(a.Priority),
			SourceIDs:   a.SourceIDs,
		})
	}
	for _, t := range w.TechnicalTerms {
		if t.Term == "" {
			continue
		}
		res.Terms = append(res.Terms, models.TechnicalTerm{
			Term: t.Term, Definition: t.Definition, SourceID: t.SourceID,
		})
	}
	for _, p := range w.Participants {
		if p.DisplayName == "" && p.UserID == "" {
			continue
		}
		res.Participants = append(res.Participants, models.Participant{
			UserID: p.UserID, DisplayName: p.DisplayName, Contributions: p.Contributions,
		})
	}
	return res, true
}

// extractJSONObject returns the first balanced top-level JSON object in s,
// skipping braces inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func parseMarkdown(raw string) (Result, bool) {
	sections := map[string][]string{}
	current := "summary"
	found := false
	for _, line := range strings.Split(raw, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current = strings.ToLower(m[1])
			found = true
			continue
		}
		sections[current] = append(sections[current], line)
	}
	if !found {
		return Result{}, false
	}

	res := Result{Body: strings.TrimSpace(strings.Join(sections["summary"], "\n"))}
	for _, line := range bullets(sections["key points"]) {
		res.KeyPoints = append(res.KeyPoints, line)
	}
	for _, line := range bullets(sections["action items"]) {
		res.ActionItems = append(res.ActionItems, parseActionLine(line))
	}
	for _, line := range bullets(sections["technical terms"]) {
		term, def := splitTerm(line)
		if term != "" {
			res.Terms = append(res.Terms, models.TechnicalTerm{Term: term, Definition: def})
		}
	}
	for _, line := range bullets(sections["participants"]) {
		name, contrib := splitTerm(line)
		if name == "" {
			continue
		}
		p := models.Participant{DisplayName: name}
		if contrib != "" {
			p.Contributions = []string{contrib}
		}
		res.Participants = append(res.Participants, p)
	}
	return res, true
}

func parseFreeform(raw string) Result {
	var res Result
	var body []string
	for _, line := range strings.Split(raw, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			res.KeyPoints = append(res.KeyPoints, strings.TrimSpace(m[1]))
			continue
		}
		body = append(body, line)
	}
	res.Body = strings.TrimSpace(strings.Join(body, "\n"))
	if res.Body == "" {
		res.Body = strings.TrimSpace(raw)
	}
	res.Warnings = append(res.Warnings, WarningUnstructured)
	return res
}

// parseActionLine extracts assignee and priority hints from a bullet line.
// "@Name" anywhere or a leading "Name:" marks the assignee.
func parseActionLine(line string) models.ActionItem {
	item := models.ActionItem{Priority: inferPriority(line)}
	desc := line
	if m := assigneeMentionRe.FindStringSubmatch(line); m != nil {
		item.Assignee = m[1]
	} else if m := assigneePrefixRe.FindStringSubmatch(line); m != nil {
		item.Assignee = m[1]
		desc = strings.TrimSpace(line[len(m[0]):])
	}
	item.Description = strings.TrimSpace(desc)
	return item
}

// inferPriority maps literal tokens to a priority level. "!" and "urgent"
// and "high" rank high, "low" ranks low, everything else is medium.
func inferPriority(s string) models.Priority {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "urgent"), strings.Contains(lower, "high"), strings.Contains(s, "!"):
		return models.PriorityHigh
	case strings.Contains(lower, "low"):
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

// splitTerm splits "term: definition" or "**term** - definition" lines.
func splitTerm(line string) (string, string) {
	if m := boldTermRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	if idx := strings.Index(line, ":"); idx > 0 {
		return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
	}
	return strings.TrimSpace(line), ""
}

func bullets(lines []string) []string {
	var out []string
	for _, line := range lines {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			if text := strings.TrimSpace(m[1]); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
