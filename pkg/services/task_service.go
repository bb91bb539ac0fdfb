package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// TaskService persists scheduled tasks and their execution records.
type TaskService struct {
	db *sql.DB
}

// NewTaskService creates a TaskService over the given pool.
func NewTaskService(db *sql.DB) *TaskService {
	return &TaskService{db: db}
}

// DB exposes the pool for callers that need transactional scopes spanning
// tasks and executions (the scheduler's terminal write).
func (s *TaskService) DB() *sql.DB {
	return s.db
}

const taskColumns = `id, name, channel_id, guild_id, schedule, destinations, options,
	active, created_at, created_by, last_run, next_run, consecutive_failures,
	max_failures, retry_delay_minutes`

// Create inserts a new task. (guild, name) must be unique.
func (s *TaskService) Create(ctx context.Context, task *models.ScheduledTask) error {
	destinations, options, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID, task.Name, task.ChannelID, task.GuildID, task.Schedule,
		destinations, options, task.Active, task.CreatedAt, task.CreatedBy,
		task.LastRun, task.NextRun, task.ConsecutiveFailures,
		task.MaxFailures, task.RetryDelayMinutes,
	)
	return mapDBError("create task", err)
}

// Get fetches a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, mapDBError("get task", err)
	}
	return task, nil
}

// ListByGuild returns all tasks for a guild, newest first.
func (s *TaskService) ListByGuild(ctx context.Context, guildID string) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE guild_id = $1 ORDER BY created_at DESC`, guildID)
	if err != nil {
		return nil, mapDBError("list tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Due returns active tasks whose next run is at or before now, oldest first.
func (s *TaskService) Due(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE active = TRUE AND next_run <= $1 ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, mapDBError("query due tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Update rewrites a task's mutable fields.
func (s *TaskService) Update(ctx context.Context, task *models.ScheduledTask) error {
	return s.update(ctx, s.db, task)
}

// UpdateTx rewrites a task inside an existing transaction.
func (s *TaskService) UpdateTx(ctx context.Context, tx *sql.Tx, task *models.ScheduledTask) error {
	return s.update(ctx, tx, task)
}

func (s *TaskService) update(ctx context.Context, q querier, task *models.ScheduledTask) error {
	destinations, options, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			name = $2, channel_id = $3, schedule = $4, destinations = $5,
			options = $6, active = $7, last_run = $8, next_run = $9,
			consecutive_failures = $10, max_failures = $11, retry_delay_minutes = $12
		WHERE id = $1`,
		task.ID, task.Name, task.ChannelID, task.Schedule, destinations,
		options, task.Active, task.LastRun, task.NextRun,
		task.ConsecutiveFailures, task.MaxFailures, task.RetryDelayMinutes,
	)
	if err != nil {
		return mapDBError("update task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapDBError("update task", err)
	}
	if affected == 0 {
		return mapDBError("update task", sql.ErrNoRows)
	}
	return nil
}

// SetActive pauses or resumes a task.
func (s *TaskService) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return mapDBError("set task active", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapDBError("set task active", err)
	}
	if affected == 0 {
		return mapDBError("set task active", sql.ErrNoRows)
	}
	return nil
}

// Delete removes a task; executions cascade.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return mapDBError("delete task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapDBError("delete task", err)
	}
	if affected == 0 {
		return mapDBError("delete task", sql.ErrNoRows)
	}
	return nil
}

func marshalTaskJSON(task *models.ScheduledTask) (destinations, options []byte, err error) {
	destinations, err = json.Marshal(task.Destinations)
	if err != nil {
		return nil, nil, marshalErr("destinations", err)
	}
	options, err = json.Marshal(task.Options)
	if err != nil {
		return nil, nil, marshalErr("options", err)
	}
	return destinations, options, nil
}

func scanTask(row rowScanner) (*models.ScheduledTask, error) {
	var (
		task         models.ScheduledTask
		destinations []byte
		options      []byte
		lastRun      sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.Name, &task.ChannelID, &task.GuildID, &task.Schedule,
		&destinations, &options, &task.Active, &task.CreatedAt, &task.CreatedBy,
		&lastRun, &task.NextRun, &task.ConsecutiveFailures,
		&task.MaxFailures, &task.RetryDelayMinutes,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(destinations, &task.Destinations); err != nil {
		return nil, marshalErr("destinations", err)
	}
	if err := json.Unmarshal(options, &task.Options); err != nil {
		return nil, marshalErr("options", err)
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		task.LastRun = &t
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.NextRun = task.NextRun.UTC()
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, mapDBError("scan task", err)
		}
		out = append(out, task)
	}
	return out, mapDBError("iterate tasks", rows.Err())
}
