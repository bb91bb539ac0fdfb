package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// ExecutionService persists append-only task execution records.
type ExecutionService struct {
	db *sql.DB
}

// NewExecutionService creates an ExecutionService over the given pool.
func NewExecutionService(db *sql.DB) *ExecutionService {
	return &ExecutionService{db: db}
}

const executionColumns = `id, task_id, status, started_at, completed_at, summary_id,
	error, deliveries, duration_ms`

// Save writes an execution record. Re-saving the same ID moves the record
// forward, so the scheduler can mark a run in progress and later land the
// terminal state.
func (s *ExecutionService) Save(ctx context.Context, exec *models.TaskExecution) error {
	return s.save(ctx, s.db, exec)
}

// SaveTx inserts inside an existing transaction, for the scheduler's terminal
// write that must land together with the task update.
func (s *ExecutionService) SaveTx(ctx context.Context, tx *sql.Tx, exec *models.TaskExecution) error {
	return s.save(ctx, tx, exec)
}

func (s *ExecutionService) save(ctx context.Context, q querier, exec *models.TaskExecution) error {
	deliveries, err := json.Marshal(exec.Deliveries)
	if err != nil {
		return marshalErr("deliveries", err)
	}
	var summaryID any
	if exec.SummaryID != "" {
		summaryID = exec.SummaryID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			summary_id = EXCLUDED.summary_id,
			error = EXCLUDED.error,
			deliveries = EXCLUDED.deliveries,
			duration_ms = EXCLUDED.duration_ms`,
		exec.ID, exec.TaskID, exec.Status, exec.StartedAt, exec.CompletedAt,
		summaryID, exec.Error, deliveries, exec.DurationMS,
	)
	return mapDBError("save execution", err)
}

// GetByTask returns the most recent executions of a task.
func (s *ExecutionService) GetByTask(ctx context.Context, taskID string, limit int) ([]*models.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM task_executions
		 WHERE task_id = $1 ORDER BY started_at DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, mapDBError("get executions", err)
	}
	defer rows.Close()

	var out []*models.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, mapDBError("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, mapDBError("iterate executions", rows.Err())
}

// RecoverOrphans marks executions stranded in a non-terminal status as failed.
// Called once at startup: a running execution from a previous process cannot
// complete, and the owning task's unchanged next_run will re-trigger it.
func (s *ExecutionService) RecoverOrphans(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = $1, completed_at = $2, error = 'orphaned by process restart'
		WHERE status IN ($3, $4)`,
		models.ExecutionFailed, now, models.ExecutionPending, models.ExecutionRunning,
	)
	if err != nil {
		return 0, mapDBError("recover orphans", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, mapDBError("recover orphans", err)
	}
	if affected > 0 {
		slog.Info("Recovered orphaned task executions", "count", affected)
	}
	return int(affected), nil
}

// DeleteOlderThan removes terminal execution records started before cutoff.
// Running records are kept regardless of age; RecoverOrphans owns those.
func (s *ExecutionService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_executions WHERE started_at < $1 AND status <> $2`,
		cutoff.UTC(), models.ExecutionRunning)
	if err != nil {
		return 0, mapDBError("execution retention", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, mapDBError("execution retention", err)
	}
	return int(affected), nil
}

func scanExecution(row rowScanner) (*models.TaskExecution, error) {
	var (
		exec        models.TaskExecution
		completedAt sql.NullTime
		summaryID   sql.NullString
		deliveries  []byte
	)
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.Status, &exec.StartedAt,
		&completedAt, &summaryID, &exec.Error, &deliveries, &exec.DurationMS)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	exec.SummaryID = summaryID.String
	if err := json.Unmarshal(deliveries, &exec.Deliveries); err != nil {
		return nil, marshalErr("deliveries", err)
	}
	exec.StartedAt = exec.StartedAt.UTC()
	return &exec, nil
}
