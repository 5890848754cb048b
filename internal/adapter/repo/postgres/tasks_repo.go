// Package postgres implements the persistence ports on PostgreSQL using a
// minimal pgx pool surface so repositories stay testable without a server.
package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// TaskRepo persists task rows and their per-type statistics.
type TaskRepo struct {
	Pool PgxPool
	now  func() time.Time
}

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p, now: time.Now} }

const taskColumns = `id, type, status, progress, user_id, COALESCE(error_message,''), task_data, created_at, started_at, completed_at, cancelled_at`

// CreateTask implements domain.TaskStore.
func (r *TaskRepo) CreateTask(ctx domain.Context, typ domain.TaskType, userID int64, data map[string]any) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	payload, err := json.Marshal(orEmpty(data))
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.create: %w", err)
	}
	q := `INSERT INTO tasks (type, status, progress, user_id, task_data, created_at)
	      VALUES ($1, $2, 0, $3, $4, $5)
	      RETURNING ` + taskColumns
	return r.scanTask(r.Pool.QueryRow(ctx, q, typ, domain.TaskPending, userID, payload, r.now().UTC()), "task.create")
}

// GetTask implements domain.TaskStore.
func (r *TaskRepo) GetTask(ctx domain.Context, id int64) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	return r.scanTask(r.Pool.QueryRow(ctx, q, id), "task.get")
}

// ListTasks implements domain.TaskStore.
func (r *TaskRepo) ListTasks(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s=$%d", clause, n)
		args = append(args, v)
	}
	if f.UserID != nil {
		add("user_id", *f.UserID)
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.Type != nil {
		add("type", *f.Type)
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		n++
		q += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		q += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := r.scanTask(rows, "task.list")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartTask implements domain.TaskStore.
func (r *TaskRepo) StartTask(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Start")
	defer span.End()
	q := `UPDATE tasks SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.TaskRunning, r.now().UTC(), domain.TaskPending)
	if err != nil {
		return fmt.Errorf("op=task.start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.start id=%d: %w", id, domain.ErrConflict)
	}
	return nil
}

// UpdateProgress implements domain.TaskStore. meta merges into task_data via
// jsonb concatenation.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id int64, progress float64, meta map[string]any) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateProgress")
	defer span.End()
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	payload, err := json.Marshal(orEmpty(meta))
	if err != nil {
		return fmt.Errorf("op=task.update_progress: %w", err)
	}
	q := `UPDATE tasks SET progress=$2, task_data=COALESCE(task_data,'{}'::jsonb) || $3::jsonb WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, progress, payload)
	if err != nil {
		return fmt.Errorf("op=task.update_progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_progress id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CompleteTask implements domain.TaskStore. The statistics row updates in the
// same transaction as the status flip.
func (r *TaskRepo) CompleteTask(ctx domain.Context, id int64) error {
	return r.finish(ctx, "tasks.Complete", id, domain.TaskCompleted, "")
}

// FailTask implements domain.TaskStore.
func (r *TaskRepo) FailTask(ctx domain.Context, id int64, msg string) error {
	if len(msg) > domain.MaxErrorMessageLen {
		msg = msg[:domain.MaxErrorMessageLen]
	}
	return r.finish(ctx, "tasks.Fail", id, domain.TaskFailed, msg)
}

func (r *TaskRepo) finish(ctx domain.Context, spanName string, id int64, status domain.TaskStatus, errMsg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=task.finish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := r.now().UTC()
	q := `UPDATE tasks SET status=$2, error_message=NULLIF($3,''), completed_at=$4,
	             progress=CASE WHEN $2='completed' THEN 1.0 ELSE progress END
	      WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')
	      RETURNING type, started_at`
	var typ domain.TaskType
	var startedAt *time.Time
	if err := tx.QueryRow(ctx, q, id, status, errMsg, now).Scan(&typ, &startedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=task.finish id=%d: %w", id, domain.ErrConflict)
		}
		return fmt.Errorf("op=task.finish: %w", err)
	}

	var duration *float64
	if startedAt != nil {
		d := now.Sub(*startedAt).Seconds()
		if d < 0 {
			d = 0
		}
		duration = &d
	}
	if err := upsertStatistics(ctx, tx, typ, status == domain.TaskCompleted, duration, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=task.finish: %w", err)
	}
	return nil
}

// upsertStatistics maintains the per-type aggregate row. The running average
// moves by (d - avg) / n so no raw durations are retained.
func upsertStatistics(ctx domain.Context, tx pgx.Tx, typ domain.TaskType, success bool, duration *float64, now time.Time) error {
	var successInc, failureInc int64
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}
	q := `INSERT INTO task_statistics
	        (task_type, total_count, success_count, failure_count, duration_count,
	         min_duration, avg_duration, max_duration, last_run_at)
	      VALUES ($1, 1, $2, $3,
	              CASE WHEN $4::float8 IS NULL THEN 0 ELSE 1 END,
	              COALESCE($4, 0), COALESCE($4, 0), COALESCE($4, 0), $5)
	      ON CONFLICT (task_type) DO UPDATE SET
	        total_count   = task_statistics.total_count + 1,
	        success_count = task_statistics.success_count + $2,
	        failure_count = task_statistics.failure_count + $3,
	        duration_count = task_statistics.duration_count
	                         + CASE WHEN $4::float8 IS NULL THEN 0 ELSE 1 END,
	        min_duration = CASE WHEN $4::float8 IS NULL THEN task_statistics.min_duration
	                            WHEN task_statistics.duration_count = 0 THEN $4
	                            ELSE LEAST(task_statistics.min_duration, $4) END,
	        max_duration = CASE WHEN $4::float8 IS NULL THEN task_statistics.max_duration
	                            WHEN task_statistics.duration_count = 0 THEN $4
	                            ELSE GREATEST(task_statistics.max_duration, $4) END,
	        avg_duration = CASE WHEN $4::float8 IS NULL THEN task_statistics.avg_duration
	                            ELSE task_statistics.avg_duration
	                                 + ($4 - task_statistics.avg_duration)
	                                   / (task_statistics.duration_count + 1) END,
	        last_run_at = $5`
	if _, err := tx.Exec(ctx, q, typ, successInc, failureInc, duration, now); err != nil {
		return fmt.Errorf("op=task.stats: %w", err)
	}
	return nil
}

// CancelTask implements domain.TaskStore. Idempotent: cancelling a terminal
// task reports false without error. Cancellation is a terminal transition, so
// the statistics row moves in the same transaction (counted as a failure).
func (r *TaskRepo) CancelTask(ctx domain.Context, id int64) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Cancel")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=task.cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := r.now().UTC()
	q := `UPDATE tasks SET status=$2, cancelled_at=$3
	      WHERE id=$1 AND status IN ('pending','running')
	      RETURNING type, started_at`
	var typ domain.TaskType
	var startedAt *time.Time
	if err := tx.QueryRow(ctx, q, id, domain.TaskCancelled, now).Scan(&typ, &startedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=task.cancel: %w", err)
	}

	var duration *float64
	if startedAt != nil {
		d := now.Sub(*startedAt).Seconds()
		if d < 0 {
			d = 0
		}
		duration = &d
	}
	if err := upsertStatistics(ctx, tx, typ, false, duration, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=task.cancel: %w", err)
	}
	return true, nil
}

// GetStatistics implements domain.TaskStore.
func (r *TaskRepo) GetStatistics(ctx domain.Context, typ *domain.TaskType) ([]domain.TaskStatistics, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Statistics")
	defer span.End()
	q := `SELECT task_type, total_count, success_count, failure_count,
	             min_duration, avg_duration, max_duration, last_run_at
	      FROM task_statistics`
	args := []any{}
	if typ != nil {
		q += ` WHERE task_type=$1`
		args = append(args, *typ)
	}
	q += ` ORDER BY task_type`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.stats_get: %w", err)
	}
	defer rows.Close()
	var out []domain.TaskStatistics
	for rows.Next() {
		var st domain.TaskStatistics
		if err := rows.Scan(&st.TaskType, &st.TotalCount, &st.SuccessCount, &st.FailureCount,
			&st.MinDuration, &st.AvgDuration, &st.MaxDuration, &st.LastRunAt); err != nil {
			return nil, fmt.Errorf("op=task.stats_get: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListStaleRunning implements domain.TaskStore.
func (r *TaskRepo) ListStaleRunning(ctx domain.Context, cutoff time.Time, limit, offset int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListStaleRunning")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks
	      WHERE status='running' AND started_at < $1
	      ORDER BY id LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := r.scanTask(rows, "task.stale")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTerminalBefore implements domain.TaskStore.
func (r *TaskRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.DeleteTerminalBefore")
	defer span.End()
	q := `DELETE FROM tasks
	      WHERE status IN ('completed','failed','cancelled') AND created_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=task.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TaskRepo) scanTask(row pgx.Row, op string) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	if err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Progress, &t.UserID, &t.ErrorMessage,
		&payload, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.TaskData); err != nil {
			return domain.Task{}, fmt.Errorf("op=%s: %w", op, err)
		}
	}
	return t, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
