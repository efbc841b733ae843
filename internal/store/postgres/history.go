package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/narvanalabs/autoci/internal/models"
)

const historyColumns = `id, repository_id, status, plan, stages, logs, created_at, started_at, finished_at`

// Save archives a terminal job. Saving the same job twice overwrites the
// earlier row.
func (s *HistoryStore) Save(ctx context.Context, job *models.Job) error {
	return save(ctx, s.db, job)
}

func save(ctx context.Context, q queryable, job *models.Job) error {
	if !job.Status.IsTerminal() || job.FinishedAt == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, job.ID, job.Status)
	}

	plan, err := json.Marshal(job.Plan)
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}
	stages, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("marshaling stages: %w", err)
	}
	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return fmt.Errorf("marshaling logs: %w", err)
	}

	names := make([]string, len(job.Stages))
	for i, stage := range job.Stages {
		names[i] = stage.Name
	}
	failedStage := ""
	if stage, _ := job.FailedStep(); stage != nil {
		failedStage = stage.Name
	}

	query := `
		INSERT INTO job_history (
			id, repository_id, status, language, package_manager, stage_names,
			failed_stage, plan, stages, logs, created_at, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			failed_stage = EXCLUDED.failed_stage,
			stages = EXCLUDED.stages,
			logs = EXCLUDED.logs,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`

	_, err = q.ExecContext(ctx, query,
		job.ID,
		job.RepositoryID,
		job.Status,
		job.Plan.Language,
		job.Plan.PackageManager,
		pq.Array(names),
		failedStage,
		plan,
		stages,
		logs,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job history: %w", err)
	}
	return nil
}

// Get returns an archived job.
func (s *HistoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + historyColumns + ` FROM job_history WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns archived jobs newest first, optionally for one repository.
func (s *HistoryStore) List(ctx context.Context, repositoryID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + historyColumns + `
		FROM job_history
		WHERE ($1 = '' OR repository_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, repositoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying job history: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job history: %w", err)
	}
	return jobs, nil
}

// StageFailures counts failed jobs by the stage they failed in.
func (s *HistoryStore) StageFailures(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT failed_stage, COUNT(*)
		FROM job_history
		WHERE status = 'failed' AND failed_stage <> ''
		GROUP BY failed_stage`)
	if err != nil {
		return nil, fmt.Errorf("querying stage failures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scanning stage failures: %w", err)
		}
		out[stage] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                models.Job
		plan, stages, logs []byte
		startedAt          sql.NullTime
		finishedAt         sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.RepositoryID, &job.Status, &plan, &stages, &logs, &job.CreatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job history: %w", err)
	}
	if err := json.Unmarshal(plan, &job.Plan); err != nil {
		return nil, fmt.Errorf("unmarshaling plan: %w", err)
	}
	if err := json.Unmarshal(stages, &job.Stages); err != nil {
		return nil, fmt.Errorf("unmarshaling stages: %w", err)
	}
	if err := json.Unmarshal(logs, &job.Logs); err != nil {
		return nil, fmt.Errorf("unmarshaling logs: %w", err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
