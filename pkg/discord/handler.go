package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/ratelimit"
)

// Summarizer is the engine surface the handler drives.
type Summarizer interface {
	Summarize(ctx context.Context, req models.SummaryRequest) (*models.Summary, error)
}

// ConfigStore persists guild configuration.
type ConfigStore interface {
	Get(ctx context.Context, guildID string) (*models.GuildConfig, error)
	Save(ctx context.Context, cfg *models.GuildConfig) error
	Delete(ctx context.Context, guildID string) error
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	ListByGuild(ctx context.Context, guildID string) ([]*models.ScheduledTask, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// CacheInvalidator drops cached summaries when configuration changes.
type CacheInvalidator interface {
	InvalidateGuild(ctx context.Context, guildID string) error
}

// NextRunFunc validates a schedule descriptor and returns its first trigger
// after now. Injected so this package stays independent of the scheduler's
// descriptor grammar.
type NextRunFunc func(descriptor string, now time.Time) (time.Time, error)

// responder is the slice of discordgo.Session the handler replies through.
type responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Handler dispatches slash commands: rate-limit gate, permission check,
// engine or store call, error translation.
type Handler struct {
	source  Source
	engine  Summarizer
	configs ConfigStore
	tasks   TaskStore
	cache   CacheInvalidator
	nextRun NextRunFunc
	reload  func()
	logger  *slog.Logger

	sumLimiter *ratelimit.Limiter
	cfgLimiter *ratelimit.Limiter
	timeout    time.Duration
}

// HandlerDeps bundles the handler's collaborators.
type HandlerDeps struct {
	Source  Source
	Engine  Summarizer
	Configs ConfigStore
	Tasks   TaskStore
	Cache   CacheInvalidator
	NextRun NextRunFunc
	Reload  func()
	Logger  *slog.Logger

	SummarizeLimit  int
	SummarizeWindow time.Duration
	ConfigLimit     int
	ConfigWindow    time.Duration
	CommandTimeout  time.Duration
}

// NewHandler wires a command handler.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.SummarizeLimit <= 0 {
		deps.SummarizeLimit = 3
	}
	if deps.SummarizeWindow <= 0 {
		deps.SummarizeWindow = time.Minute
	}
	if deps.ConfigLimit <= 0 {
		deps.ConfigLimit = 5
	}
	if deps.ConfigWindow <= 0 {
		deps.ConfigWindow = time.Minute
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = 30 * time.Second
	}
	if deps.Reload == nil {
		deps.Reload = func() {}
	}
	return &Handler{
		source:     deps.Source,
		engine:     deps.Engine,
		configs:    deps.Configs,
		tasks:      deps.Tasks,
		cache:      deps.Cache,
		nextRun:    deps.NextRun,
		reload:     deps.Reload,
		logger:     deps.Logger.With("component", "discord.handler"),
		sumLimiter: ratelimit.New(deps.SummarizeLimit, deps.SummarizeWindow),
		cfgLimiter: ratelimit.New(deps.ConfigLimit, deps.ConfigWindow),
		timeout:    deps.CommandTimeout,
	}
}

// HandleInteraction is the discordgo InteractionCreate callback.
func (h *Handler) HandleInteraction(rs responder, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := ic.ApplicationCommandData()
	userID := invokerID(ic)
	if userID == "" || ic.GuildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch data.Name {
	case "summarize":
		h.runDeferred(ctx, rs, ic, false, func() (*reply, error) {
			return h.handleSummarize(ctx, ic, data, userID)
		})
	case "quick-summary":
		h.runDeferred(ctx, rs, ic, false, func() (*reply, error) {
			return h.handleQuickSummary(ctx, ic, data, userID)
		})
	case "recap-config":
		h.runDeferred(ctx, rs, ic, true, func() (*reply, error) {
			return h.handleConfig(ctx, ic, data, userID)
		})
	case "recap-schedule":
		h.runDeferred(ctx, rs, ic, true, func() (*reply, error) {
			return h.handleSchedule(ctx, ic, data, userID)
		})
	}
}

// reply is the final response content after the deferred acknowledgment.
type reply struct {
	content string
	embeds  []*discordgo.MessageEmbed
}

// runDeferred acknowledges immediately, runs fn, then edits the deferred
// response with the outcome. Errors are translated to user-visible text.
func (h *Handler) runDeferred(_ context.Context, rs responder, ic *discordgo.InteractionCreate, ephemeral bool, fn func() (*reply, error)) {
	ack := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		ack.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	if err := rs.InteractionRespond(ic.Interaction, ack); err != nil {
		h.logger.Error("Failed to acknowledge interaction", "error", err)
		return
	}

	out, err := fn()
	if err != nil {
		out = &reply{content: h.userMessage(err)}
	}
	edit := &discordgo.WebhookEdit{}
	if out.content != "" {
		edit.Content = &out.content
	}
	if len(out.embeds) > 0 {
		edit.Embeds = &out.embeds
	}
	if _, err := rs.InteractionResponseEdit(ic.Interaction, edit); err != nil {
		h.logger.Error("Failed to edit interaction response", "error", err)
	}
}

func (h *Handler) handleSummarize(ctx context.Context, ic *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, userID string) (*reply, error) {
	if err := h.sumLimiter.Allow(userID + ":summarize"); err != nil {
		return nil, err
	}

	opts := optionMap(data.Options)
	channelID := ic.ChannelID
	if ch := channelOption(opts, "channel"); ch != "" {
		channelID = ch
	}
	start, end, err := summarizeWindow(opts)
	if err != nil {
		return nil, err
	}

	cfg, err := h.configs.Get(ctx, ic.GuildID)
	if err != nil {
		return nil, err
	}
	if err := h.checkSummarizePermission(ctx, cfg, userID, channelID); err != nil {
		return nil, err
	}

	reqOpts := cfg.DefaultOptions
	if length := stringOption(opts, "length", ""); length != "" {
		reqOpts.Length = models.LengthProfile(length)
	}
	if v, ok := opts["include-bots"]; ok {
		reqOpts.IncludeBots = v.BoolValue()
	}

	summary, err := h.engine.Summarize(ctx, models.SummaryRequest{
		ChannelID:      channelID,
		GuildID:        ic.GuildID,
		Start:          start,
		End:            end,
		Options:        reqOpts,
		AllowNarrowing: true,
	})
	if err != nil {
		return nil, err
	}
	return &reply{embeds: []*discordgo.MessageEmbed{SummaryEmbed(summary)}}, nil
}

// summarizeWindow resolves the time window from the summarize options:
// an explicit start/end pair when both are given, otherwise hours back
// from now (default 24).
func summarizeWindow(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (time.Time, time.Time, error) {
	startStr := stringOption(opts, "start", "")
	endStr := stringOption(opts, "end", "")

	if startStr == "" && endStr == "" {
		end := time.Now().UTC()
		hours := intOption(opts, "hours", 24)
		return end.Add(-time.Duration(hours) * time.Hour), end, nil
	}
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, models.NewValidationError("window", "start and end must be given together")
	}
	if _, ok := opts["hours"]; ok {
		return time.Time{}, time.Time{}, models.NewValidationError("window", "use either hours or start/end, not both")
	}
	start, err := parseWindowTime(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("start", err.Error())
	}
	end, err := parseWindowTime(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("end", err.Error())
	}
	return start, end, nil
}

// parseWindowTime accepts RFC 3339 or the shorter 2006-01-02T15:04 form,
// read as UTC.
func parseWindowTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or 2006-01-02T15:04, got %q", s)
	}
	return t, nil
}

func (h *Handler) handleQuickSummary(ctx context.Context, ic *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, userID string) (*reply, error) {
	if err := h.sumLimiter.Allow(userID + ":summarize"); err != nil {
		return nil, err
	}

	opts := optionMap(data.Options)
	minutes := intOption(opts, "minutes", 60)

	cfg, err := h.configs.Get(ctx, ic.GuildID)
	if err != nil {
		return nil, err
	}
	if err := h.checkSummarizePermission(ctx, cfg, userID, ic.ChannelID); err != nil {
		return nil, err
	}

	reqOpts := cfg.DefaultOptions
	reqOpts.Length = models.LengthBrief

	end := time.Now().UTC()
	summary, err := h.engine.Summarize(ctx, models.SummaryRequest{
		ChannelID:      ic.ChannelID,
		GuildID:        ic.GuildID,
		Start:          end.Add(-time.Duration(minutes) * time.Minute),
		End:            end,
		Options:        reqOpts,
		AllowNarrowing: true,
	})
	if err != nil {
		return nil, err
	}
	return &reply{embeds: []*discordgo.MessageEmbed{SummaryEmbed(summary)}}, nil
}

// checkSummarizePermission enforces channel enablement, invoker read access,
// and the guild's allowed-role list.
func (h *Handler) checkSummarizePermission(ctx context.Context, cfg *models.GuildConfig, userID, channelID string) error {
	if !cfg.ChannelAllowed(channelID) {
		return models.NewValidationError("channel", "summarization is not enabled in this channel")
	}
	canRead, err := h.source.HasReadAccess(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !canRead {
		return models.ErrPermission
	}
	if len(cfg.Permissions.AllowedRoles) == 0 {
		return nil
	}
	roles, err := h.source.ResolveUserRoles(ctx, userID, cfg.GuildID)
	if err != nil {
		return err
	}
	allowed := make(map[string]struct{}, len(cfg.Permissions.AllowedRoles))
	for _, r := range cfg.Permissions.AllowedRoles {
		allowed[r] = struct{}{}
	}
	for _, r := range roles {
		if _, ok := allowed[r]; ok {
			return nil
		}
	}
	return models.ErrPermission
}

// requireAdmin gates config and schedule mutations.
func (h *Handler) requireAdmin(ctx context.Context, cfg *models.GuildConfig, userID string) error {
	if !cfg.Permissions.RequireAdminForConfig {
		return nil
	}
	admin, err := h.source.IsAdmin(ctx, userID, cfg.GuildID)
	if err != nil {
		return err
	}
	if !admin {
		return models.ErrPermission
	}
	return nil
}

func (h *Handler) handleConfig(ctx context.Context, ic *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, userID string) (*reply, error) {
	if err := h.cfgLimiter.Allow(userID + ":config"); err != nil {
		return nil, err
	}
	if len(data.Options) == 0 {
		return nil, models.NewValidationError("subcommand", "required")
	}
	sub := data.Options[0]

	cfg, err := h.configs.Get(ctx, ic.GuildID)
	if err != nil {
		return nil, err
	}

	if sub.Name != "view" {
		if err := h.requireAdmin(ctx, cfg, userID); err != nil {
			return nil, err
		}
	}

	switch sub.Name {
	case "view":
		return &reply{embeds: []*discordgo.MessageEmbed{configEmbed(cfg)}}, nil

	case "set-channels":
		opts := optionMap(sub.Options)
		mode := stringOption(opts, "mode", "")
		channelID := channelOption(opts, "channel")
		if channelID == "" && mode != "clear" {
			channelID = ic.ChannelID
		}
		switch mode {
		case "enable":
			cfg.ExcludedChannels = remove(cfg.ExcludedChannels, channelID)
			cfg.EnabledChannels = appendUnique(cfg.EnabledChannels, channelID)
		case "exclude":
			cfg.EnabledChannels = remove(cfg.EnabledChannels, channelID)
			cfg.ExcludedChannels = appendUnique(cfg.ExcludedChannels, channelID)
		case "clear":
			cfg.EnabledChannels = nil
			cfg.ExcludedChannels = nil
		default:
			return nil, models.NewValidationError("mode", fmt.Sprintf("unknown mode %q", mode))
		}
		return h.saveConfig(ctx, cfg, "Channel settings updated.")

	case "set-defaults":
		opts := optionMap(sub.Options)
		if length := stringOption(opts, "length", ""); length != "" {
			cfg.DefaultOptions.Length = models.LengthProfile(length)
		}
		if v, ok := opts["include-bots"]; ok {
			cfg.DefaultOptions.IncludeBots = v.BoolValue()
		}
		if v := intOption(opts, "min-messages", 0); v > 0 {
			cfg.DefaultOptions.MinMessages = v
		}
		return h.saveConfig(ctx, cfg, "Default options updated.")

	case "reset":
		if err := h.configs.Delete(ctx, ic.GuildID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if err := h.cache.InvalidateGuild(ctx, ic.GuildID); err != nil {
			h.logger.Warn("Cache invalidation failed", "guild_id", ic.GuildID, "error", err)
		}
		return &reply{content: "Configuration reset to defaults."}, nil
	}
	return nil, models.NewValidationError("subcommand", fmt.Sprintf("unknown subcommand %q", sub.Name))
}

// saveConfig validates and persists, then invalidates the guild's cached
// summaries so stale defaults stop serving.
func (h *Handler) saveConfig(ctx context.Context, cfg *models.GuildConfig, done string) (*reply, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := h.configs.Save(ctx, cfg); err != nil {
		return nil, err
	}
	if err := h.cache.InvalidateGuild(ctx, cfg.GuildID); err != nil {
		h.logger.Warn("Cache invalidation failed", "guild_id", cfg.GuildID, "error", err)
	}
	return &reply{content: done}, nil
}

func (h *Handler) handleSchedule(ctx context.Context, ic *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, userID string) (*reply, error) {
	if err := h.cfgLimiter.Allow(userID + ":schedule"); err != nil {
		return nil, err
	}
	if len(data.Options) == 0 {
		return nil, models.NewValidationError("subcommand", "required")
	}
	sub := data.Options[0]

	cfg, err := h.configs.Get(ctx, ic.GuildID)
	if err != nil {
		return nil, err
	}
	if err := h.requireAdmin(ctx, cfg, userID); err != nil {
		return nil, err
	}

	switch sub.Name {
	case "create":
		return h.handleScheduleCreate(ctx, ic, sub, cfg, userID)
	case "list":
		tasks, err := h.tasks.ListByGuild(ctx, ic.GuildID)
		if err != nil {
			return nil, err
		}
		return &reply{content: renderTaskList(tasks)}, nil
	case "pause", "resume", "delete":
		name := stringOption(optionMap(sub.Options), "name", "")
		task, err := h.findTask(ctx, ic.GuildID, name)
		if err != nil {
			return nil, err
		}
		switch sub.Name {
		case "pause":
			err = h.tasks.SetActive(ctx, task.ID, false)
		case "resume":
			err = h.tasks.SetActive(ctx, task.ID, true)
		case "delete":
			err = h.tasks.Delete(ctx, task.ID)
		}
		if err != nil {
			return nil, err
		}
		h.reload()
		return &reply{content: fmt.Sprintf("Task %q %sd.", name, sub.Name)}, nil
	}
	return nil, models.NewValidationError("subcommand", fmt.Sprintf("unknown subcommand %q", sub.Name))
}

func (h *Handler) handleScheduleCreate(ctx context.Context, ic *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption, cfg *models.GuildConfig, userID string) (*reply, error) {
	opts := optionMap(sub.Options)
	name := stringOption(opts, "name", "")
	descriptor := stringOption(opts, "schedule", "")

	channelID := channelOption(opts, "channel")
	if channelID == "" {
		channelID = ic.ChannelID
	}
	deliverTo := channelOption(opts, "deliver-to")
	if deliverTo == "" {
		deliverTo = channelID
	}

	now := time.Now().UTC()
	nextRun, err := h.nextRun(descriptor, now)
	if err != nil {
		return nil, err
	}

	task := &models.ScheduledTask{
		ID:        uuid.NewString(),
		Name:      name,
		ChannelID: channelID,
		GuildID:   ic.GuildID,
		Schedule:  descriptor,
		Destinations: []models.Destination{
			{Kind: models.SinkDiscordChannel, Target: deliverTo, Format: "embed"},
		},
		Options:           cfg.DefaultOptions,
		Active:            true,
		CreatedAt:         now,
		CreatedBy:         userID,
		NextRun:           nextRun,
		MaxFailures:       models.DefaultMaxFailures,
		RetryDelayMinutes: models.DefaultRetryDelayMinutes,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	h.reload()
	return &reply{content: fmt.Sprintf("Task %q created. Next run: %s.", name, nextRun.Format(time.RFC3339))}, nil
}

func (h *Handler) findTask(ctx context.Context, guildID, name string) (*models.ScheduledTask, error) {
	tasks, err := h.tasks.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %q: %w", name, models.ErrNotFound)
}

// userMessage translates an error to the text shown to the invoker. Internal
// details are logged, not surfaced.
func (h *Handler) userMessage(err error) string {
	var (
		ve  *models.ValidationError
		ice *models.InsufficientContentError
		cae *models.ChannelAccessError
		rle *models.RateLimitedError
	)
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid input: %s (%s).", ve.Message, ve.Field)
	case errors.As(err, &ice):
		return fmt.Sprintf("Not enough messages to summarize: found %d, need at least %d.", ice.Got, ice.Min)
	case errors.As(err, &cae):
		return fmt.Sprintf("I can't read channel <#%s>. Check my permissions there.", cae.ChannelID)
	case errors.As(err, &rle):
		return fmt.Sprintf("You're doing that too often. Try again in %d seconds.", int(rle.RetryAfter.Seconds())+1)
	case errors.Is(err, models.ErrPermission):
		return "Insufficient permissions."
	case errors.Is(err, models.ErrPromptTooLarge):
		return "That time range is too large to summarize. Try a shorter one."
	case errors.Is(err, models.ErrLLMUnavailable),
		errors.Is(err, models.ErrPlatformUnavailable),
		errors.Is(err, models.ErrStoreUnavailable),
		errors.Is(err, models.ErrAborted):
		return "The summarizer is temporarily unavailable. Please try again in a minute."
	case errors.Is(err, models.ErrLLMRefused), errors.Is(err, models.ErrLLMInvalid):
		return "The summary could not be generated for this conversation."
	case errors.Is(err, models.ErrNotFound):
		return "Not found."
	case errors.Is(err, models.ErrConstraint):
		return "A task with that name already exists."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long and was cancelled. Try a shorter time range."
	default:
		id := uuid.NewString()[:8]
		h.logger.Error("Unhandled command error", "correlation_id", id, "error", err)
		return fmt.Sprintf("Internal error (ref %s).", id)
	}
}

func configEmbed(cfg *models.GuildConfig) *discordgo.MessageEmbed {
	channels := func(ids []string) string {
		if len(ids) == 0 {
			return "none"
		}
		tagged := make([]string, len(ids))
		for i, id := range ids {
			tagged[i] = "<#" + id + ">"
		}
		return strings.Join(tagged, ", ")
	}
	return &discordgo.MessageEmbed{
		Title: "Summarization settings",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Enabled channels", Value: channels(cfg.EnabledChannels), Inline: true},
			{Name: "Excluded channels", Value: channels(cfg.ExcludedChannels), Inline: true},
			{Name: "Default length", Value: string(cfg.DefaultOptions.Length), Inline: true},
			{Name: "Include bots", Value: fmt.Sprintf("%t", cfg.DefaultOptions.IncludeBots), Inline: true},
			{Name: "Min messages", Value: fmt.Sprintf("%d", cfg.DefaultOptions.MinMessages), Inline: true},
			{Name: "Admin required for config", Value: fmt.Sprintf("%t", cfg.Permissions.RequireAdminForConfig), Inline: true},
		},
	}
}

func renderTaskList(tasks []*models.ScheduledTask) string {
	if len(tasks) == 0 {
		return "No scheduled summaries."
	}
	var sb strings.Builder
	for _, t := range tasks {
		state := "active"
		if !t.Active {
			state = "paused"
		}
		fmt.Fprintf(&sb, "• **%s** (%s) <#%s> %s, next run %s\n",
			t.Name, state, t.ChannelID, t.Schedule, t.NextRun.Format("2006-01-02 15:04 MST"))
	}
	return sb.String()
}

func invokerID(ic *discordgo.InteractionCreate) string {
	if ic.Member != nil && ic.Member.User != nil {
		return ic.Member.User.ID
	}
	if ic.User != nil {
		return ic.User.ID
	}
	return ""
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func stringOption(m map[string]*discordgo.ApplicationCommandInteractionDataOption, name, fallback string) string {
	if o, ok := m[name]; ok {
		return o.StringValue()
	}
	return fallback
}

func intOption(m map[string]*discordgo.ApplicationCommandInteractionDataOption, name string, fallback int) int {
	if o, ok := m[name]; ok {
		return int(o.IntValue())
	}
	return fallback
}

// channelOption reads a channel-type option's ID without a session lookup.
func channelOption(m map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := m[name]; ok {
		if v, isString := o.Value.(string); isString {
			return v
		}
	}
	return ""
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
