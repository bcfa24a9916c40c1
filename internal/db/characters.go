package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateCharacter inserts a character while its project is still a draft.
func (db *DB) CreateCharacter(ctx context.Context, c *models.Character) error {
	query := `
		INSERT INTO characters (id, project_id, name, original_photos, processed_photos, position)
		SELECT $1, $2, $3, $4, '{}', $5
		WHERE EXISTS (SELECT 1 FROM projects WHERE id = $2 AND status = 'draft')
		RETURNING created_at
	`

	err := db.QueryRowContext(
		ctx, query,
		c.ID, c.ProjectID, c.Name, pq.Array(c.OriginalPhotos), c.Position,
	).Scan(&c.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := db.GetProject(ctx, c.ProjectID); gerr != nil {
			return gerr
		}
		return &errs.StateConflictError{ProjectID: c.ProjectID, Expected: string(models.ProjectStatusDraft)}
	}
	if err != nil {
		return fmt.Errorf("failed to create character: %w", err)
	}

	c.ProcessedPhotos = []string{}
	return nil
}

func (db *DB) ListCharacters(ctx context.Context, projectID uuid.UUID) ([]models.Character, error) {
	query := `
		SELECT id, project_id, name, original_photos, processed_photos, position, created_at
		FROM characters
		WHERE project_id = $1
		ORDER BY position, created_at
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	defer rows.Close()

	characters := []models.Character{}
	for rows.Next() {
		var c models.Character
		if err := rows.Scan(
			&c.ID, &c.ProjectID, &c.Name,
			pq.Array(&c.OriginalPhotos), pq.Array(&c.ProcessedPhotos),
			&c.Position, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, c)
	}

	return characters, rows.Err()
}

func (db *DB) SetProcessedPhotos(ctx context.Context, characterID uuid.UUID, refs []string) error {
	query := `UPDATE characters SET processed_photos = $1 WHERE id = $2`
	res, err := db.ExecContext(ctx, query, pq.Array(refs), characterID)
	if err != nil {
		return fmt.Errorf("failed to save processed photos: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("character %s: %w", characterID, errs.ErrNotFound)
	}
	return nil
}
