package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
)

const sceneColumns = `
	id, project_id, position, prompt, job_handle, status, video_ref,
	duration, retry_count, error_message, created_at, updated_at
`

func scanScene(row rowScanner) (*models.Scene, error) {
	var s models.Scene
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.Position, &s.Prompt, &s.JobHandle, &s.Status, &s.VideoRef,
		&s.Duration, &s.RetryCount, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// BeginSceneGeneration inserts every scene row and moves the project from
// generating_script to generating_scenes in one transaction, so the scene
// count is complete the moment the new status is visible.
func (db *DB) BeginSceneGeneration(ctx context.Context, projectID uuid.UUID, scenes []*models.Scene) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.ProjectStatusGeneratingScenes, projectID, models.ProjectStatusGeneratingScript)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		tx.Rollback()
		return db.checkTransition(ctx, res, projectID, string(models.ProjectStatusGeneratingScript))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scenes (id, project_id, position, prompt, status, duration)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare scene insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range scenes {
		if err := stmt.QueryRowContext(
			ctx, s.ID, projectID, s.Position, s.Prompt, s.Status, s.Duration,
		).Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert scene %d: %w", s.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scenes: %w", err)
	}
	return nil
}

func (db *DB) ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE project_id = $1 ORDER BY position`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	defer rows.Close()

	scenes := []models.Scene{}
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, *s)
	}

	return scenes, rows.Err()
}

func (db *DB) GetScene(ctx context.Context, id uuid.UUID) (*models.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE id = $1`

	s, err := scanScene(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scene %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}
	return s, nil
}

func (db *DB) MarkSceneSubmitted(ctx context.Context, id uuid.UUID, jobHandle string) error {
	return db.execScene(ctx, `
		UPDATE scenes
		SET status = $1, job_handle = $2, updated_at = NOW()
		WHERE id = $3
	`, id, models.SceneStatusGenerating, jobHandle, id)
}

func (db *DB) IncrementSceneRetry(ctx context.Context, id uuid.UUID) error {
	return db.execScene(ctx, `
		UPDATE scenes SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1
	`, id, id)
}

func (db *DB) CompleteScene(ctx context.Context, id uuid.UUID, videoRef string) error {
	return db.execScene(ctx, `
		UPDATE scenes
		SET status = $1, video_ref = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3
	`, id, models.SceneStatusComplete, videoRef, id)
}

func (db *DB) FailScene(ctx context.Context, id uuid.UUID, reason string) error {
	return db.execScene(ctx, `
		UPDATE scenes
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`, id, models.SceneStatusFailed, reason, id)
}

func (db *DB) execScene(ctx context.Context, query string, id uuid.UUID, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update scene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scene %s: %w", id, errs.ErrNotFound)
	}
	return nil
}
