package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const projectColumns = `
	id, status, genre, language, premise, script, output_ref,
	error_code, error_message, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p      models.Project
		script []byte
	)
	if err := row.Scan(
		&p.ID, &p.Status, &p.Genre, &p.Language, &p.Premise, &script, &p.OutputRef,
		&p.ErrorCode, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if script != nil {
		p.Script = &models.Script{}
		if err := json.Unmarshal(script, p.Script); err != nil {
			return nil, fmt.Errorf("failed to decode script: %w", err)
		}
	}
	return &p, nil
}

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, status, genre, language, premise)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		project.ID, project.Status, project.Genre, project.Language, project.Premise,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	project, err := scanProject(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// ListStaleProjects returns projects in one of the given statuses whose last
// update is older than before.
func (db *DB) ListStaleProjects(ctx context.Context, statuses []models.ProjectStatus, before time.Time) ([]models.Project, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + projectColumns + `
		FROM projects
		WHERE status::text = ANY($1) AND updated_at < $2
		ORDER BY updated_at`

	rows, err := db.QueryContext(ctx, query, pq.Array(names), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}

	return projects, rows.Err()
}

// TransitionProject moves a project from one status to the next only if it
// is currently in from. Concurrent callers race on the row; exactly one wins.
func (db *DB) TransitionProject(ctx context.Context, id uuid.UUID, from, to models.ProjectStatus) error {
	if !from.CanTransition(to) || to == models.ProjectStatusComplete {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	query := `
		UPDATE projects
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	res, err := db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	return db.checkTransition(ctx, res, id, string(from))
}

// SetProjectScript stores the synthesized script while the project is still
// generating it.
func (db *DB) SetProjectScript(ctx context.Context, id uuid.UUID, script *models.Script) error {
	data, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("failed to encode script: %w", err)
	}

	query := `
		UPDATE projects
		SET script = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	res, err := db.ExecContext(ctx, query, data, id, models.ProjectStatusGeneratingScript)
	if err != nil {
		return fmt.Errorf("failed to save script: %w", err)
	}

	return db.checkTransition(ctx, res, id, string(models.ProjectStatusGeneratingScript))
}

// CompleteProject sets the output reference and the complete status in one statement.
func (db *DB) CompleteProject(ctx context.Context, id uuid.UUID, outputRef string) error {
	query := `
		UPDATE projects
		SET status = $1, output_ref = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	res, err := db.ExecContext(ctx, query, models.ProjectStatusComplete, outputRef, id, models.ProjectStatusAssembling)
	if err != nil {
		return fmt.Errorf("failed to complete project: %w", err)
	}

	return db.checkTransition(ctx, res, id, string(models.ProjectStatusAssembling))
}

// FailProject moves any non-terminal project to failed and records the
// operator-facing error detail.
func (db *DB) FailProject(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE projects
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ('complete', 'failed')
	`
	res, err := db.ExecContext(ctx, query, models.ProjectStatusFailed, errorCode, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to update project error: %w", err)
	}

	return db.checkTransition(ctx, res, id, "non-terminal")
}

// checkTransition turns a zero-row update into a not-found or conflict error.
func (db *DB) checkTransition(ctx context.Context, res sql.Result, id uuid.UUID, expected string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var actual string
	err = db.QueryRowContext(ctx, `SELECT status FROM projects WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("project %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read project status: %w", err)
	}

	return &errs.StateConflictError{ProjectID: id, Expected: expected, Actual: actual}
}
