package models

import (
	"fmt"
	"time"
)

// Scheduled-task defaults.
const (
	DefaultMaxFailures       = 3
	DefaultRetryDelayMinutes = 5
)

// SinkKind identifies a delivery destination type.
type SinkKind string

// Supported delivery sinks.
const (
	SinkDiscordChannel SinkKind = "discord_channel"
	SinkWebhook        SinkKind = "webhook"
)

// Destination is one delivery target for a scheduled summary.
type Destination struct {
	Kind   SinkKind `json:"kind"`
	Target string   `json:"target"`           // channel ID or webhook URL
	Format string   `json:"format,omitempty"` // embed, markdown, json
}

// ScheduledTask is a persisted recurring (or one-shot) summarization job.
// The Schedule field holds a schedule descriptor string; pkg/scheduler owns
// its grammar and next-run computation.
type ScheduledTask struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	ChannelID           string         `json:"channel_id"`
	GuildID             string         `json:"guild_id"`
	Schedule            string         `json:"schedule"`
	Destinations        []Destination  `json:"destinations"`
	Options             SummaryOptions `json:"options"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"created_at"`
	CreatedBy           string         `json:"created_by"`
	LastRun             *time.Time     `json:"last_run,omitempty"`
	NextRun             time.Time      `json:"next_run"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	MaxFailures         int            `json:"max_failures"`
	RetryDelayMinutes   int            `json:"retry_delay_minutes"`
}

// Validate checks task fields that do not require schedule parsing.
func (t ScheduledTask) Validate() error {
	if t.Name == "" {
		return NewValidationError("name", "required")
	}
	if t.ChannelID == "" {
		return NewValidationError("channel_id", "required")
	}
	if t.GuildID == "" {
		return NewValidationError("guild_id", "required")
	}
	if t.Schedule == "" {
		return NewValidationError("schedule", "required")
	}
	if len(t.Destinations) == 0 {
		return NewValidationError("destinations", "at least one destination is required")
	}
	for i, d := range t.Destinations {
		switch d.Kind {
		case SinkDiscordChannel, SinkWebhook:
		default:
			return NewValidationError("destinations", fmt.Sprintf("unknown sink kind %q at index %d", d.Kind, i))
		}
		if d.Target == "" {
			return NewValidationError("destinations", fmt.Sprintf("empty target at index %d", i))
		}
	}
	return t.Options.Validate()
}

// ExecutionStatus is the lifecycle state of a TaskExecution.
type ExecutionStatus string

// Execution statuses. Completed, failed, and cancelled are terminal.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// DeliveryResult records the outcome of delivering to a single destination.
type DeliveryResult struct {
	Kind   SinkKind `json:"kind"`
	Target string   `json:"target"`
	Status string   `json:"status"` // delivered, failed
	Error  string   `json:"error,omitempty"`
}

// TaskExecution is an append-only record of one scheduler run of a task.
// Rows are never updated after the status terminalizes.
type TaskExecution struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Status      ExecutionStatus  `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	SummaryID   string           `json:"summary_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	Deliveries  []DeliveryResult `json:"deliveries,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
}
