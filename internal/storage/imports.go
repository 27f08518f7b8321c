package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const importJobColumns = `id, source, user_id, parent_id, status, data, created_at, updated_at`

// CreateImportJob stores a pending root job and returns it.
func (s *Store) CreateImportJob(ctx context.Context, source, userID string, data []byte) (ImportJob, error) {
	now := unixMS(time.Now())
	job := ImportJob{
		ID:        newID(),
		Source:    source,
		UserID:    userID,
		Status:    ImportPending,
		Data:      nullString(string(data)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.exec(ctx, `
		INSERT INTO import_job(id, source, user_id, parent_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?)`,
		job.ID, job.Source, job.UserID, job.Status, job.Data, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return ImportJob{}, fmt.Errorf("creating import job for %s: %w", source, err)
	}
	return job, nil
}

func (s *Store) ImportJob(ctx context.Context, id string) (ImportJob, error) {
	var j ImportJob
	err := s.get(ctx, &j, `SELECT `+importJobColumns+` FROM import_job WHERE id = ?`, id)
	return j, err
}

// UpdateImportStatus sets a job's status. A nil data keeps the stored value.
func (s *Store) UpdateImportStatus(ctx context.Context, id string, status ImportStatus, data []byte) error {
	var d any
	if data != nil {
		d = string(data)
	}
	res, err := s.exec(ctx, `UPDATE import_job SET status = ?, data = COALESCE(?, data), updated_at = ? WHERE id = ?`,
		status, d, unixMS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating import job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertChildJobs stores pending children of parent, inheriting its user.
func (s *Store) InsertChildJobs(ctx context.Context, parent ImportJob, children []ChildJob, batch int) (int64, error) {
	if len(children) == 0 {
		return 0, nil
	}
	now := unixMS(time.Now())
	rows := make([][]any, len(children))
	for i, c := range children {
		rows[i] = []any{newID(), c.Source, parent.UserID, parent.ID, ImportPending, nullString(string(c.Data)), now, now}
	}
	var n int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = insertRows(ctx, tx,
			`INSERT INTO import_job(id, source, user_id, parent_id, status, data, created_at, updated_at) VALUES `,
			``, rows, batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting children of %s: %w", parent.ID, err)
	}
	return n, nil
}

func (s *Store) ChildJobs(ctx context.Context, parentID string) ([]ImportJob, error) {
	var out []ImportJob
	err := s.Select(ctx, &out, `SELECT `+importJobColumns+` FROM import_job WHERE parent_id = ? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading children of %s: %w", parentID, err)
	}
	return out, nil
}

// ClaimImportJob moves id to Processing if it is Pending or Failed, or if
// it has been Processing since before staleBefore. It reports whether
// this caller now owns the run.
func (s *Store) ClaimImportJob(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE import_job SET status = ?, updated_at = ?
		WHERE id = ? AND (status IN (?, ?) OR (status = ? AND updated_at < ?))`,
		ImportProcessing, unixMS(time.Now()), id,
		ImportPending, ImportFailed, ImportProcessing, unixMS(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claiming import job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming import job %s: %w", id, err)
	}
	return n == 1, nil
}

// ResumableImportJobs returns, oldest first, the jobs a sweep should pick
// up: pending roots, pending children created before staleBefore whose
// parent already finished, and jobs stuck in Processing since before
// staleBefore.
func (s *Store) ResumableImportJobs(ctx context.Context, staleBefore time.Time, limit int) ([]ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	stale := unixMS(staleBefore)
	var out []ImportJob
	err := s.Select(ctx, &out, `
		SELECT j.id, j.source, j.user_id, j.parent_id, j.status, j.data, j.created_at, j.updated_at
		FROM import_job j
		WHERE (j.status = ? AND j.parent_id IS NULL)
		   OR (j.status = ? AND j.created_at < ? AND EXISTS (
				SELECT 1 FROM import_job p WHERE p.id = j.parent_id AND p.status IN (?, ?)))
		   OR (j.status = ? AND j.updated_at < ?)
		ORDER BY j.created_at, j.id
		LIMIT ?`,
		ImportPending,
		ImportPending, stale, ImportCompleted, ImportFailed,
		ImportProcessing, stale,
		limit)
	if err != nil {
		return nil, fmt.Errorf("loading resumable imports: %w", err)
	}
	return out, nil
}
