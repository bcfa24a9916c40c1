package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB is the Postgres-backed project store.
type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: conn}, nil
}

const schema = `
DO $$ BEGIN
	CREATE TYPE project_status AS ENUM (
		'draft', 'generating_script', 'generating_scenes', 'assembling', 'complete', 'failed'
	);
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

DO $$ BEGIN
	CREATE TYPE scene_status AS ENUM ('pending', 'generating', 'complete', 'failed');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

CREATE TABLE IF NOT EXISTS projects (
	id            UUID PRIMARY KEY,
	status        project_status NOT NULL DEFAULT 'draft',
	genre         TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT 'es',
	premise       TEXT,
	script        JSONB,
	output_ref    TEXT,
	error_code    TEXT,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT output_iff_complete CHECK ((status = 'complete') = (output_ref IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS projects_status_updated_idx ON projects (status, updated_at);

CREATE TABLE IF NOT EXISTS characters (
	id               UUID PRIMARY KEY,
	project_id       UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name             TEXT NOT NULL,
	original_photos  TEXT[] NOT NULL DEFAULT '{}',
	processed_photos TEXT[] NOT NULL DEFAULT '{}',
	position         INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS characters_project_idx ON characters (project_id, position);

CREATE TABLE IF NOT EXISTS scenes (
	id            UUID PRIMARY KEY,
	project_id    UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	position      INT NOT NULL,
	prompt        TEXT NOT NULL,
	job_handle    TEXT,
	status        scene_status NOT NULL DEFAULT 'pending',
	video_ref     TEXT,
	duration      INT NOT NULL CHECK (duration IN (5, 10)),
	retry_count   INT NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (project_id, position)
);
`

// EnsureSchema creates the tables and enums if they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
