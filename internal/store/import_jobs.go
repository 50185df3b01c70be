package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-ingest/internal/models"
)

const importJobColumns = `id, status, total_rows, processed_rows, error, file_path, original_filename, created_at, updated_at`

// CreateImportJob inserts a new job in queued status.
func (s *Store) CreateImportJob(ctx context.Context, originalFilename *string) (models.ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO import_jobs (status, processed_rows, original_filename, created_at, updated_at)
		VALUES ($1, 0, $2, NOW(), NOW())
		RETURNING `+importJobColumns, models.ImportQueued, originalFilename)
	job, err := scanImportJob(row)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("insert import job: %w", err)
	}
	return job, nil
}

// GetImportJob fetches an import job by id.
func (s *Store) GetImportJob(ctx context.Context, id int64) (models.ImportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanImportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("scan import job: %w", err)
	}
	return job, nil
}

// ListImportJobs returns the most recent jobs first.
func (s *Store) ListImportJobs(ctx context.Context, limit int) ([]models.ImportJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+importJobColumns+` FROM import_jobs ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.ImportJob, 0, limit)
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateImportJob applies a partial update and always bumps updated_at.
// processed_rows never decreases through this path. When a status is given, the row's current status must
// be one of models.AllowedFrom(status), otherwise ErrInvalidTransition is returned.
func (s *Store) UpdateImportJob(ctx context.Context, id int64, u models.ImportJobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Total != nil {
		sets = append(sets, "total_rows = "+arg(*u.Total))
	}
	if u.Processed != nil {
		sets = append(sets, "processed_rows = GREATEST(processed_rows, "+arg(*u.Processed)+")")
	}
	if u.Status != nil {
		sets = append(sets, "status = "+arg(*u.Status))
	}
	if u.Error != nil {
		sets = append(sets, "error = "+arg(*u.Error))
	}
	if u.FilePath != nil {
		sets = append(sets, "file_path = "+arg(*u.FilePath))
	}

	query := `UPDATE import_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if u.Status != nil {
		query += ` AND status = ANY(` + arg(models.AllowedFrom(*u.Status)) + `)`
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.missOrInvalid(ctx, id)
}

// ResetImportJob moves a terminal job back to queued for a retry run, clearing counters and error.
func (s *Store) ResetImportJob(ctx context.Context, id int64) (models.ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = $2, processed_rows = 0, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+importJobColumns,
		id, models.ImportQueued, []string{models.ImportFailed, models.ImportComplete})
	job, err := scanImportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImportJob{}, s.missOrInvalid(ctx, id)
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("reset import job: %w", err)
	}
	return job, nil
}

// CountImportJobsByStatus groups jobs by status.
func (s *Store) CountImportJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM import_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count import jobs: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan import job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) missOrInvalid(ctx context.Context, id int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM import_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check import job: %w", err)
	}
	if !exists {
		return fmt.Errorf("import job %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("import job %d: %w", id, ErrInvalidTransition)
}

func scanImportJob(row pgx.Row) (models.ImportJob, error) {
	var job models.ImportJob
	var total pgtype.Int8
	var jobErr, filePath, original pgtype.Text
	if err := row.Scan(&job.ID, &job.Status, &total, &job.ProcessedRows, &jobErr, &filePath, &original, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ImportJob{}, err
	}
	if total.Valid {
		job.TotalRows = &total.Int64
	}
	job.Error = textPtr(jobErr)
	job.FilePath = textPtr(filePath)
	job.OriginalFilename = textPtr(original)
	return job, nil
}
