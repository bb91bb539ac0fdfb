// Package engine coordinates the summarization pipeline: validation, cache
// lookup, single-flight deduplication, message retrieval, filtering, prompt
// construction, LLM dispatch, parsing, and persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/recapd/recapd/pkg/cache"
	"github.com/recapd/recapd/pkg/discord"
	"github.com/recapd/recapd/pkg/filter"
	"github.com/recapd/recapd/pkg/llm"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/parser"
	"github.com/recapd/recapd/pkg/prompt"
)

// DefaultMaxWindow bounds the request time window.
const DefaultMaxWindow = 7 * 24 * time.Hour

// WarningNarrowed is attached when the window was halved to fit the budget.
const WarningNarrowed = "window-narrowed"

// Completer dispatches one costed LLM call.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Result, error)
}

// SummaryStore persists finished summaries.
type SummaryStore interface {
	Save(ctx context.Context, summary *models.Summary) error
}

// CostTable prices a model's tokens.
type CostTable interface {
	Resolve(model string) (string, error)
	Cost(model string, promptTokens, completionTokens int) float64
}

// Engine is the summarization coordinator. Safe for concurrent use.
type Engine struct {
	source  discord.Source
	builder *prompt.Builder
	llm     Completer
	cache   *cache.Cache
	store   SummaryStore
	costs   CostTable
	logger  *slog.Logger

	maxWindow    time.Duration
	defaultModel string

	group singleflight.Group
}

// Options configures engine policy knobs. Zero values take defaults.
type Options struct {
	MaxWindow    time.Duration
	DefaultModel string
}

// New wires the engine from its collaborators.
func New(source discord.Source, builder *prompt.Builder, completer Completer, c *cache.Cache, store SummaryStore, costs CostTable, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = DefaultMaxWindow
	}
	return &Engine{
		source:       source,
		builder:      builder,
		llm:          completer,
		cache:        c,
		store:        store,
		costs:        costs,
		logger:       logger.With("component", "engine"),
		maxWindow:    opts.MaxWindow,
		defaultModel: opts.DefaultModel,
	}
}

// Summarize runs the full pipeline for one request. Concurrent calls with
// the same fingerprint share a single computation; waiters whose leader is
// cancelled receive ErrAborted.
func (e *Engine) Summarize(ctx context.Context, req models.SummaryRequest) (*models.Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.End.Sub(req.Start) > e.maxWindow {
		return nil, models.NewValidationError("window",
			fmt.Sprintf("window exceeds maximum of %s", e.maxWindow))
	}

	fp := req.Fingerprint()
	if cached, err := e.cache.Get(ctx, fp); err != nil {
		return nil, err
	} else if cached != nil {
		e.logger.Debug("Cache hit", "fingerprint", fp, "summary_id", cached.ID)
		return cached, nil
	}

	ch := e.group.DoChan(fp, func() (any, error) {
		return e.run(ctx, req, fp)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if res.Shared && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
				return nil, models.ErrAborted
			}
			return nil, res.Err
		}
		return res.Val.(*models.Summary), nil
	case <-ctx.Done():
		// Let a later request start fresh instead of waiting on a leader
		// whose caller has gone away.
		e.group.Forget(fp)
		return nil, ctx.Err()
	}
}

// run executes the pipeline after the single-flight slot is held.
func (e *Engine) run(ctx context.Context, req models.SummaryRequest, fp string) (*models.Summary, error) {
	opts := req.Options.Normalized()
	start := time.Now()

	info, err := e.source.ResolveChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}

	raw, err := e.source.FetchRange(ctx, req.ChannelID, req.Start, req.End, 0)
	if err != nil {
		return nil, err
	}

	messages := filter.Apply(raw, filter.Options{
		IncludeBots:   opts.IncludeBots,
		ExcludedUsers: opts.ExcludedUsers,
	})
	if len(messages) < opts.MinMessages {
		return nil, &models.InsufficientContentError{Got: len(messages), Min: opts.MinMessages}
	}

	pctx := e.promptContext(info, messages, req)
	userPrompt, err := e.builder.BuildUserPrompt(messages, pctx, opts.Length, opts.MaxOutputTokens)

	var warnings []string
	if errors.Is(err, models.ErrPromptTooLarge) && req.AllowNarrowing {
		// Halve the window once, keeping the recent half.
		narrowed := req
		narrowed.Start = req.End.Add(-req.End.Sub(req.Start) / 2)
		narrowed.AllowNarrowing = false
		e.logger.Info("Narrowing window to fit token budget",
			"channel_id", req.ChannelID, "start", narrowed.Start, "end", narrowed.End)
		summary, nerr := e.run(ctx, narrowed, fp)
		if nerr != nil {
			return nil, nerr
		}
		summary.Warnings = append(summary.Warnings, WarningNarrowed)
		return summary, nil
	}
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = e.defaultModel
	}
	result, err := e.llm.Complete(ctx, llm.Request{
		Model:           model,
		System:          e.builder.BuildSystemPrompt(opts.Length),
		User:            userPrompt,
		Temperature:     float64(*opts.Temperature),
		MaxOutputTokens: opts.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	parsed := parser.Parse(result.Content)
	warnings = append(warnings, parsed.Warnings...)

	summary := e.assemble(req, fp, messages, parsed, result.Meta, warnings)
	if err := e.store.Save(ctx, summary); err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, fp, summary); err != nil {
		return nil, err
	}

	e.logger.Info("Summary generated",
		"summary_id", summary.ID,
		"channel_id", req.ChannelID,
		"messages", summary.MessageCount,
		"model", result.Meta.Model,
		"duration", time.Since(start))
	return summary, nil
}

func (e *Engine) promptContext(info *discord.ChannelInfo, messages []models.Message, req models.SummaryRequest) prompt.Context {
	authors := map[string]struct{}{}
	for i := range messages {
		authors[messages[i].AuthorID] = struct{}{}
	}
	return prompt.Context{
		ChannelName:      info.Name,
		GuildName:        info.GuildName,
		ParticipantCount: len(authors),
		SpanHours:        req.End.Sub(req.Start).Hours(),
	}
}

// assemble builds the persisted record. Participant message counts come
// from the normalized messages; the model's participant list only enriches
// display names and contribution notes.
func (e *Engine) assemble(req models.SummaryRequest, fp string, messages []models.Message, parsed parser.Result, meta models.GenerationMeta, warnings []string) *models.Summary {
	counts := map[string]*models.Participant{}
	var order []string
	for i := range messages {
		m := &messages[i]
		p, ok := counts[m.AuthorID]
		if !ok {
			p = &models.Participant{UserID: m.AuthorID, DisplayName: m.AuthorName}
			counts[m.AuthorID] = p
			order = append(order, m.AuthorID)
		}
		p.MessageCount++
	}
	byName := map[string]*models.Participant{}
	for _, p := range counts {
		byName[p.DisplayName] = p
	}
	for _, lp := range parsed.Participants {
		p, ok := counts[lp.UserID]
		if !ok {
			p, ok = byName[lp.DisplayName]
		}
		if !ok {
			continue
		}
		p.Contributions = lp.Contributions
		if lp.DisplayName != "" {
			p.DisplayName = lp.DisplayName
		}
	}
	participants := make([]models.Participant, 0, len(order))
	for _, id := range order {
		participants = append(participants, *counts[id])
	}

	return &models.Summary{
		ID:           uuid.NewString(),
		ChannelID:    req.ChannelID,
		GuildID:      req.GuildID,
		Fingerprint:  fp,
		StartTime:    req.Start.UTC(),
		EndTime:      req.End.UTC(),
		MessageCount: len(messages),
		Body:         parsed.Body,
		KeyPoints:    parsed.KeyPoints,
		ActionItems:  parsed.ActionItems,
		Terms:        parsed.Terms,
		Participants: participants,
		Meta:         meta,
		CreatedAt:    time.Now().UTC(),
		Warnings:     warnings,
	}
}

// BatchResult pairs one input request with its outcome.
type BatchResult struct {
	Request models.SummaryRequest
	Summary *models.Summary
	Err     error
}

// BatchSummarize runs a set of requests concurrently, deduplicating by
// fingerprint. Results come back in input order; the LLM dispatcher bounds
// actual provider concurrency.
func (e *Engine) BatchSummarize(ctx context.Context, reqs []models.SummaryRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))

	type slot struct {
		summary *models.Summary
		err     error
		done    chan struct{}
	}
	slots := map[string]*slot{}

	for i, req := range reqs {
		results[i].Request = req
		fp := req.Fingerprint()
		s, ok := slots[fp]
		if !ok {
			s = &slot{done: make(chan struct{})}
			slots[fp] = s
			go func(req models.SummaryRequest, s *slot) {
				defer close(s.done)
				s.summary, s.err = e.Summarize(ctx, req)
			}(req, s)
		}
	}

	for i, req := range reqs {
		s := slots[req.Fingerprint()]
		<-s.done
		results[i].Summary = s.summary
		results[i].Err = s.err
	}
	return results
}

// CostEstimate is a pre-flight price check. No LLM call is made.
type CostEstimate struct {
	Model            string  `json:"model"`
	MessageCount     int     `json:"message_count"`
	PromptTokens     int     `json:"prompt_tokens"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// EstimateCost runs the pipeline through prompt construction and prices the
// estimated tokens against the model table.
func (e *Engine) EstimateCost(ctx context.Context, req models.SummaryRequest) (*CostEstimate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	opts := req.Options.Normalized()

	info, err := e.source.ResolveChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	raw, err := e.source.FetchRange(ctx, req.ChannelID, req.Start, req.End, 0)
	if err != nil {
		return nil, err
	}
	messages := filter.Apply(raw, filter.Options{
		IncludeBots:   opts.IncludeBots,
		ExcludedUsers: opts.ExcludedUsers,
	})
	if len(messages) < opts.MinMessages {
		return nil, &models.InsufficientContentError{Got: len(messages), Min: opts.MinMessages}
	}

	userPrompt, err := e.builder.BuildUserPrompt(messages, e.promptContext(info, messages, req), opts.Length, opts.MaxOutputTokens)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = e.defaultModel
	}
	resolved, err := e.costs.Resolve(model)
	if err != nil {
		return nil, models.NewValidationError("model", err.Error())
	}
	promptTokens := prompt.EstimateTokens(e.builder.BuildSystemPrompt(opts.Length)) + prompt.EstimateTokens(userPrompt)

	return &CostEstimate{
		Model:            resolved,
		MessageCount:     len(messages),
		PromptTokens:     promptTokens,
		MaxOutputTokens:  opts.MaxOutputTokens,
		EstimatedCostUSD: e.costs.Cost(resolved, promptTokens, opts.MaxOutputTokens),
	}, nil
}
