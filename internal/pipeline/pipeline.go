// Package pipeline drives a trailer project from a claimed draft to a
// stored trailer: character preprocessing, script synthesis, per-scene
// video generation and ffmpeg assembly, with every project status change
// written as a compare-and-set.
package pipeline

import (
	"context"
	"time"

	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/services"
	"github.com/google/uuid"
)

// ProjectStore is the persistence the state machine needs. Both the
// Postgres store and the in-memory store satisfy it.
type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	TransitionProject(ctx context.Context, id uuid.UUID, from, to models.ProjectStatus) error
	SetProjectScript(ctx context.Context, id uuid.UUID, script *models.Script) error
	CompleteProject(ctx context.Context, id uuid.UUID, outputRef string) error
	FailProject(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error

	ListCharacters(ctx context.Context, projectID uuid.UUID) ([]models.Character, error)
	BeginSceneGeneration(ctx context.Context, projectID uuid.UUID, scenes []*models.Scene) error
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)

	CharacterStore
	SceneStore
}

// CharacterStore persists preprocessing results.
type CharacterStore interface {
	SetProcessedPhotos(ctx context.Context, characterID uuid.UUID, refs []string) error
}

// SceneStore is the per-scene write surface. Each scene row is written
// only by the task that owns it.
type SceneStore interface {
	MarkSceneSubmitted(ctx context.Context, id uuid.UUID, jobHandle string) error
	IncrementSceneRetry(ctx context.Context, id uuid.UUID) error
	CompleteScene(ctx context.Context, id uuid.UUID, videoRef string) error
	FailScene(ctx context.Context, id uuid.UUID, reason string) error
}

// TextGenerator returns the raw text of one system+user completion.
type TextGenerator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// MediaJobClient submits scene generation jobs and polls them by handle.
type MediaJobClient interface {
	Submit(ctx context.Context, req models.VideoJobRequest) (string, error)
	Poll(ctx context.Context, handle string) (*models.VideoJobStatus, error)
}

// BackgroundRemover returns the URL of a background-removed copy of an image.
type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, imageURL string) (string, error)
}

// Fetcher downloads a remote object.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Encoder is the ffmpeg surface used by assembly.
type Encoder interface {
	ConcatCopy(ctx context.Context, inputs []string, outputPath string) error
	MixMusic(ctx context.Context, videoPath, musicPath, outputPath string, volume float64) error
	RenderTextCard(ctx context.Context, card services.TextCard, outputPath string) error
	ConcatReencode(ctx context.Context, segments []services.Segment, width, height int, outputPath string) error
	Probe(ctx context.Context, path string) (*services.MediaInfo, error)
}

// ObjectStore is the object storage surface used by the pipeline.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	PublicURL(key string) string
}

// Heartbeater publishes run liveness so other processes can tell a live run
// from a crashed one.
type Heartbeater interface {
	Beat(ctx context.Context, projectID uuid.UUID, ttl time.Duration) error
	Clear(ctx context.Context, projectID uuid.UUID) error
}

// ScenePolicy decides whether partially failed scene sets proceed to assembly.
type ScenePolicy string

const (
	ScenePolicyAny ScenePolicy = "any"
	ScenePolicyAll ScenePolicy = "all"
)

// Error codes persisted on failed projects beyond those derived by errs.Code.
const (
	CodeCancelled        = "cancelled"
	CodeStalled          = "stalled"
	CodeScenesIncomplete = "scenes_incomplete"
	CodeInternal         = "internal"
)
