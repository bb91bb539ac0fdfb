package scheduler

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
)

// Summarizer is the engine surface the scheduler drives.
type Summarizer interface {
	Summarize(ctx context.Context, req models.SummaryRequest) (*models.Summary, error)
}

// Store is the persistence surface the scheduler needs. FinalizeRun must
// land the terminal execution write and the task update atomically.
type Store interface {
	DueTasks(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)
	SaveExecution(ctx context.Context, exec *models.TaskExecution) error
	FinalizeRun(ctx context.Context, task *models.ScheduledTask, exec *models.TaskExecution) error
}

// DBStore implements Store over the task and execution services, using one
// transaction for the terminal write.
type DBStore struct {
	tasks *services.TaskService
	execs *services.ExecutionService
}

// NewDBStore wires the store from its services.
func NewDBStore(tasks *services.TaskService, execs *services.ExecutionService) *DBStore {
	return &DBStore{tasks: tasks, execs: execs}
}

func (s *DBStore) DueTasks(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	return s.tasks.Due(ctx, now)
}

func (s *DBStore) SaveExecution(ctx context.Context, exec *models.TaskExecution) error {
	return s.execs.Save(ctx, exec)
}

func (s *DBStore) FinalizeRun(ctx context.Context, task *models.ScheduledTask, exec *models.TaskExecution) error {
	return services.WithTx(ctx, s.tasks.DB(), func(tx *sql.Tx) error {
		if err := s.execs.SaveTx(ctx, tx, exec); err != nil {
			return err
		}
		return s.tasks.UpdateTx(ctx, tx, task)
	})
}

// Scheduler owns the tick loop. Start it once; Stop drains in-flight runs.
type Scheduler struct {
	store   Store
	engine  Summarizer
	deliver Deliverer
	logger  *slog.Logger

	tickInterval time.Duration
	execTimeout  time.Duration
	maxWindow    time.Duration

	reload chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inflight holds task IDs currently being executed so overlapping
	// ticks cannot claim the same task twice.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	running  atomic.Bool
	lastTick atomic.Int64 // unix seconds

	now func() time.Time // test hook
}

// HealthStatus reports loop liveness for the health endpoint.
type HealthStatus struct {
	Running  bool      `json:"running"`
	LastTick time.Time `json:"last_tick,omitzero"`
}

// Health snapshots the loop state.
func (s *Scheduler) Health() HealthStatus {
	h := HealthStatus{Running: s.running.Load()}
	if ts := s.lastTick.Load(); ts > 0 {
		h.LastTick = time.Unix(ts, 0).UTC()
	}
	return h
}

// New builds a scheduler. Zero intervals take the 30s/300s defaults;
// maxWindow caps implicit task windows at the engine's limit (default 7d).
func New(store Store, engine Summarizer, deliver Deliverer, tickInterval, execTimeout, maxWindow time.Duration, logger *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	if execTimeout <= 0 {
		execTimeout = 300 * time.Second
	}
	if maxWindow <= 0 {
		maxWindow = 7 * 24 * time.Hour
	}
	return &Scheduler{
		store:        store,
		engine:       engine,
		deliver:      deliver,
		logger:       logger.With("component", "scheduler"),
		tickInterval: tickInterval,
		execTimeout:  execTimeout,
		maxWindow:    maxWindow,
		reload:       make(chan struct{}, 1),
		inflight:     make(map[string]struct{}),
		now:          time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("Scheduler started", "tick_interval", s.tickInterval)
}

// Stop cancels the loop and waits for in-flight executions to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info("Scheduler stopped")
}

// Reload nudges the loop to re-query due tasks before the next tick, used
// after task mutations.
func (s *Scheduler) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.reload:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due task once. Overdue tasks that missed multiple ticks
// still run a single time; the next-run computation is wall-clock based.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.lastTick.Store(now.Unix())
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("Failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		task := task
		if !s.claim(task.ID) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(task.ID)
			s.runTask(ctx, task, now)
		}()
	}
}

// claim marks a task as in flight. Returns false when a run is already
// underway, so a tick or reload during a long execution cannot start a
// duplicate.
func (s *Scheduler) claim(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[taskID]; busy {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.inflightMu.Lock()
	delete(s.inflight, taskID)
	s.inflightMu.Unlock()
}

// runTask executes one due task through the summarize+deliver pipeline and
// persists the outcome.
func (s *Scheduler) runTask(ctx context.Context, task *models.ScheduledTask, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	logger := s.logger.With("task_id", task.ID, "task_name", task.Name)

	desc, err := ParseSchedule(task.Schedule)
	if err != nil {
		// Unparseable descriptors cannot ever run; deactivate.
		logger.Error("Deactivating task with invalid schedule", "schedule", task.Schedule, "error", err)
		task.Active = false
		exec := s.newExecution(task, now)
		s.terminalize(ctx, exec, models.ExecutionFailed, "", err.Error(), nil, now)
		if ferr := s.store.FinalizeRun(ctx, task, exec); ferr != nil {
			logger.Error("Failed to persist task outcome", "error", ferr)
		}
		return
	}

	exec := s.newExecution(task, now)
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		logger.Error("Failed to record execution start", "error", err)
		return
	}

	start, end := desc.Window(now)
	// Monthly (and wide cron) windows exceed the engine's max-window
	// policy; keep the most recent span so the run can succeed.
	if end.Sub(start) > s.maxWindow {
		start = end.Add(-s.maxWindow)
	}
	summary, err := s.engine.Summarize(ctx, models.SummaryRequest{
		ChannelID:      task.ChannelID,
		GuildID:        task.GuildID,
		Start:          start,
		End:            end,
		Options:        task.Options,
		AllowNarrowing: true,
	})

	var deliveries []models.DeliveryResult
	if err == nil {
		deliveries = s.deliverAll(ctx, task, summary)
		if allFailed(deliveries) {
			err = models.ErrPlatformUnavailable
		}
	}

	if err != nil {
		task.ConsecutiveFailures++
		if task.ConsecutiveFailures >= task.MaxFailures {
			task.Active = false
			logger.Error("Task deactivated after repeated failures",
				"failures", task.ConsecutiveFailures, "error", err)
		} else {
			task.NextRun = now.Add(time.Duration(task.RetryDelayMinutes) * time.Minute)
			logger.Warn("Task failed, retry scheduled",
				"failures", task.ConsecutiveFailures, "next_run", task.NextRun, "error", err)
		}
		summaryID := ""
		if summary != nil {
			summaryID = summary.ID
		}
		s.terminalize(ctx, exec, models.ExecutionFailed, summaryID, err.Error(), deliveries, now)
	} else {
		task.ConsecutiveFailures = 0
		last := now
		task.LastRun = &last
		task.NextRun = desc.Next(now)
		if task.NextRun.IsZero() {
			// One-shot tasks are spent after a successful run.
			task.Active = false
		}
		s.terminalize(ctx, exec, models.ExecutionCompleted, summary.ID, "", deliveries, now)
		logger.Info("Task completed", "summary_id", summary.ID, "next_run", task.NextRun)
	}

	if ferr := s.store.FinalizeRun(ctx, task, exec); ferr != nil {
		logger.Error("Failed to persist task outcome", "error", ferr)
	}
}

func (s *Scheduler) newExecution(task *models.ScheduledTask, now time.Time) *models.TaskExecution {
	return &models.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    models.ExecutionRunning,
		StartedAt: now,
	}
}

func (s *Scheduler) terminalize(_ context.Context, exec *models.TaskExecution, status models.ExecutionStatus, summaryID, errMsg string, deliveries []models.DeliveryResult, started time.Time) {
	completed := s.now().UTC()
	exec.Status = status
	exec.CompletedAt = &completed
	exec.SummaryID = summaryID
	exec.Error = errMsg
	exec.Deliveries = deliveries
	exec.DurationMS = completed.Sub(started).Milliseconds()
}

// deliverAll fans the summary out to each destination in order, collecting
// per-destination outcomes.
func (s *Scheduler) deliverAll(ctx context.Context, task *models.ScheduledTask, summary *models.Summary) []models.DeliveryResult {
	results := make([]models.DeliveryResult, 0, len(task.Destinations))
	for _, dest := range task.Destinations {
		result := models.DeliveryResult{Kind: dest.Kind, Target: dest.Target, Status: "delivered"}
		if err := s.deliver.Deliver(ctx, dest, summary); err != nil {
			result.Status = "failed"
			result.Error = err.Error()
			s.logger.Warn("Delivery failed",
				"task_id", task.ID, "sink", dest.Kind, "target", dest.Target, "error", err)
		}
		results = append(results, result)
	}
	return results
}

func allFailed(results []models.DeliveryResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Status == "delivered" {
			return false
		}
	}
	return true
}
