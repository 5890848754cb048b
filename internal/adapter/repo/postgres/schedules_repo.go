package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// ScheduleRepo reads and seeds cron job definitions.
type ScheduleRepo struct{ Pool PgxPool }

// NewScheduleRepo constructs a ScheduleRepo with the given pool.
func NewScheduleRepo(p PgxPool) *ScheduleRepo { return &ScheduleRepo{Pool: p} }

// ListEnabled implements domain.ScheduleStore.
func (r *ScheduleRepo) ListEnabled(ctx domain.Context) ([]domain.ScheduledJob, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.ListEnabled")
	defer span.End()
	q := `SELECT id, job_name, task_type, cron_expression, enabled, user_id, arguments, job_metadata
	      FROM scheduled_jobs WHERE enabled ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ScheduledJob
	for rows.Next() {
		var j domain.ScheduledJob
		var args, meta []byte
		if err := rows.Scan(&j.ID, &j.JobName, &j.TaskType, &j.CronExpression, &j.Enabled,
			&j.UserID, &args, &meta); err != nil {
			return nil, fmt.Errorf("op=schedule.list: %w", err)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &j.Arguments); err != nil {
				return nil, fmt.Errorf("op=schedule.list: %w", err)
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &j.JobMetadata); err != nil {
				return nil, fmt.Errorf("op=schedule.list: %w", err)
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpsertJob implements domain.ScheduleStore, keyed by job_name.
func (r *ScheduleRepo) UpsertJob(ctx domain.Context, job domain.ScheduledJob) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Upsert")
	defer span.End()
	args, err := json.Marshal(orEmpty(job.Arguments))
	if err != nil {
		return fmt.Errorf("op=schedule.upsert: %w", err)
	}
	meta, err := json.Marshal(orEmpty(job.JobMetadata))
	if err != nil {
		return fmt.Errorf("op=schedule.upsert: %w", err)
	}
	q := `INSERT INTO scheduled_jobs (job_name, task_type, cron_expression, enabled, user_id, arguments, job_metadata)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (job_name) DO UPDATE SET
	        task_type=$2, cron_expression=$3, enabled=$4, user_id=$5, arguments=$6, job_metadata=$7`
	if _, err := r.Pool.Exec(ctx, q, job.JobName, job.TaskType, job.CronExpression,
		job.Enabled, job.UserID, args, meta); err != nil {
		return fmt.Errorf("op=schedule.upsert: %w", err)
	}
	return nil
}
