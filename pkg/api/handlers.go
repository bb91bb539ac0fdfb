package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// summarizeRequest is the POST /v1/summarize body.
type summarizeRequest struct {
	ChannelID string                 `json:"channelId"`
	GuildID   string                 `json:"guildId"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	Options   *models.SummaryOptions `json:"options,omitempty"`

	// Async skips the synchronous wait entirely and returns a job handle.
	Async bool `json:"async,omitempty"`
}

type summarizeOutcome struct {
	summary *models.Summary
	err     error
}

// handleSummarize runs a synchronous summarization. When the request budget
// elapses before the engine finishes, the work continues in the background
// and the caller gets a 202 with a job ID to poll.
func (s *Server) handleSummarize(c *gin.Context) {
	var body summarizeRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		abortError(c, http.StatusBadRequest, "validation_failed", "malformed request body: "+err.Error())
		return
	}
	if !requireGuild(c, body.GuildID) {
		return
	}

	req := models.SummaryRequest{
		ChannelID:      body.ChannelID,
		GuildID:        body.GuildID,
		Start:          body.Start,
		End:            body.End,
		AllowNarrowing: true,
	}
	if body.Options != nil {
		req.Options = *body.Options
	}
	if err := req.Validate(); err != nil {
		s.writeError(c, err)
		return
	}

	done := make(chan summarizeOutcome, 1)

	// Detached from the request context so a handed-off job survives the
	// caller disconnecting.
	runCtx, cancel := context.WithTimeout(context.Background(), s.requestTimeout*3)
	go func() {
		defer cancel()
		summary, err := s.engine.Summarize(runCtx, req)
		done <- summarizeOutcome{summary: summary, err: err}
	}()

	if body.Async {
		s.handOff(c, req.ChannelID, done)
		return
	}

	select {
	case out := <-done:
		if out.err != nil {
			s.writeError(c, out.err)
			return
		}
		c.JSON(http.StatusCreated, out.summary)
	case <-time.After(s.requestTimeout):
		s.handOff(c, req.ChannelID, done)
	}
}

// handOff registers a job for a summarization still in flight and answers 202.
func (s *Server) handOff(c *gin.Context, channelID string, done <-chan summarizeOutcome) {
	j := s.jobs.create()
	go func() {
		out := <-done
		var summaryID string
		if out.summary != nil {
			summaryID = out.summary.ID
		}
		s.jobs.finish(j.ID, summaryID, out.err)
		if out.err != nil {
			s.logger.Warn("async summarization failed",
				"job_id", j.ID, "channel_id", channelID, "error", out.err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID, "status": j.Status})
}

func (s *Server) handleGetSummary(c *gin.Context) {
	summary, err := s.summaries.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !currentPrincipal(c).AllowsGuild(summary.GuildID) {
		abortError(c, http.StatusForbidden, "guild_forbidden", "principal is not granted access to this guild")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListSummaries(c *gin.Context) {
	guildID := c.Query("guild")
	if !requireGuild(c, guildID) {
		return
	}
	criteria := models.SummaryCriteria{
		GuildID:   guildID,
		ChannelID: c.Query("channel"),
	}
	limit := queryInt(c, "limit", 20)
	if limit < 1 || limit > 100 {
		abortError(c, http.StatusBadRequest, "validation_failed", "limit must be between 1 and 100")
		return
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		abortError(c, http.StatusBadRequest, "validation_failed", "offset must not be negative")
		return
	}

	items, err := s.summaries.Find(c.Request.Context(), criteria, limit, offset, false)
	if err != nil {
		s.writeError(c, err)
		return
	}
	total, err := s.summaries.Count(c.Request.Context(), criteria)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if items == nil {
		items = []*models.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// scheduleRequest is the POST /v1/schedule body.
type scheduleRequest struct {
	Name         string                 `json:"name"`
	ChannelID    string                 `json:"channelId"`
	GuildID      string                 `json:"guildId"`
	Schedule     string                 `json:"schedule"`
	Destinations []models.Destination   `json:"destinations"`
	Options      *models.SummaryOptions `json:"options,omitempty"`
}

func (s *Server) handleCreateSchedule(c *gin.Context) {
	var body scheduleRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		abortError(c, http.StatusBadRequest, "validation_failed", "malformed request body: "+err.Error())
		return
	}
	if !requireGuild(c, body.GuildID) {
		return
	}

	now := time.Now().UTC()
	next, err := s.nextRun.NextRun(body.Schedule, now)
	if err != nil {
		s.writeError(c, err)
		return
	}

	task := &models.ScheduledTask{
		ID:                uuid.NewString(),
		Name:              body.Name,
		ChannelID:         body.ChannelID,
		GuildID:           body.GuildID,
		Schedule:          body.Schedule,
		Destinations:      body.Destinations,
		Active:            true,
		CreatedAt:         now,
		CreatedBy:         currentPrincipal(c).Name,
		NextRun:           next,
		MaxFailures:       models.DefaultMaxFailures,
		RetryDelayMinutes: models.DefaultRetryDelayMinutes,
	}
	if body.Options != nil {
		task.Options = *body.Options
	}
	if len(task.Destinations) == 0 {
		task.Destinations = []models.Destination{{
			Kind:   models.SinkDiscordChannel,
			Target: task.ChannelID,
			Format: "embed",
		}}
	}
	if err := task.Validate(); err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.tasks.Create(c.Request.Context(), task); err != nil {
		s.writeError(c, err)
		return
	}
	s.reload()
	c.JSON(http.StatusCreated, gin.H{"id": task.ID, "nextRun": task.NextRun.Format(time.RFC3339)})
}

func (s *Server) handleDeleteSchedule(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !currentPrincipal(c).AllowsGuild(task.GuildID) {
		abortError(c, http.StatusForbidden, "guild_forbidden", "principal is not granted access to this guild")
		return
	}
	if err := s.tasks.Delete(c.Request.Context(), task.ID); err != nil {
		s.writeError(c, err)
		return
	}
	s.reload()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetJob(c *gin.Context) {
	j, ok := s.jobs.get(c.Param("id"))
	if !ok {
		abortError(c, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	c.JSON(http.StatusOK, j)
}

// handleHealth is unauthenticated: it reports component reachability without
// exposing request data.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := gin.H{}
	healthy := true

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db)
		components["database"] = dbHealth
		if err != nil {
			healthy = false
		}
	}
	if s.llm != nil {
		components["llm"] = s.llm.Metrics()
	}
	for name, snapshot := range s.extras {
		components[name] = snapshot()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "componentHealth": components})
}

// writeError maps domain errors onto the HTTP error envelope. Internal
// failures get a short correlation ID so operators can find the log line
// without the client seeing the underlying error.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		ve *models.ValidationError
		ce *models.ChannelAccessError
		ie *models.InsufficientContentError
		rl *models.RateLimitedError
	)
	switch {
	case errors.As(err, &ve):
		abortError(c, http.StatusBadRequest, "validation_failed", ve.Error())
	case errors.As(err, &ie):
		abortError(c, http.StatusUnprocessableEntity, "insufficient_content", ie.Error())
	case errors.As(err, &ce), errors.Is(err, models.ErrPermission):
		abortError(c, http.StatusForbidden, "channel_forbidden", "the bot cannot read this channel")
	case errors.Is(err, models.ErrNotFound):
		abortError(c, http.StatusNotFound, "not_found", "no such resource")
	case errors.Is(err, models.ErrConstraint):
		abortError(c, http.StatusConflict, "conflict", "a resource with this identity already exists")
	case errors.As(err, &rl):
		retry := int(rl.RetryAfter.Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorEnvelope{
			ErrorCode:  "rate_limited",
			Message:    "upstream rate limit hit",
			RetryAfter: retry,
		})
	case errors.Is(err, models.ErrPromptTooLarge):
		abortError(c, http.StatusUnprocessableEntity, "window_too_large", "the window does not fit the model context; narrow it")
	case errors.Is(err, models.ErrLLMRefused):
		abortError(c, http.StatusUnprocessableEntity, "llm_refused", "the model declined to summarize this content")
	case errors.Is(err, models.ErrLLMUnavailable),
		errors.Is(err, models.ErrPlatformUnavailable),
		errors.Is(err, models.ErrStoreUnavailable):
		abortError(c, http.StatusServiceUnavailable, "temporarily_unavailable", "a dependency is temporarily unavailable; retry later")
	case errors.Is(err, models.ErrAborted), errors.Is(err, context.Canceled):
		abortError(c, http.StatusRequestTimeout, "aborted", "the request was canceled")
	default:
		id := uuid.NewString()[:8]
		s.logger.Error("request failed", "correlation_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, "internal",
			fmt.Sprintf("internal error (ref %s)", id))
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
