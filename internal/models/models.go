package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type ProjectStatus string

const (
	ProjectStatusDraft            ProjectStatus = "draft"
	ProjectStatusGeneratingScript ProjectStatus = "generating_script"
	ProjectStatusGeneratingScenes ProjectStatus = "generating_scenes"
	ProjectStatusAssembling       ProjectStatus = "assembling"
	ProjectStatusComplete         ProjectStatus = "complete"
	ProjectStatusFailed           ProjectStatus = "failed"
)

// projectTransitions lists the forward edge out of each non-terminal status.
// Failed is reachable from every non-terminal status and is handled separately.
var projectTransitions = map[ProjectStatus]ProjectStatus{
	ProjectStatusDraft:            ProjectStatusGeneratingScript,
	ProjectStatusGeneratingScript: ProjectStatusGeneratingScenes,
	ProjectStatusGeneratingScenes: ProjectStatusAssembling,
	ProjectStatusAssembling:       ProjectStatusComplete,
}

// TransientProjectStatuses are the statuses a running pipeline moves through.
var TransientProjectStatuses = []ProjectStatus{
	ProjectStatusGeneratingScript,
	ProjectStatusGeneratingScenes,
	ProjectStatusAssembling,
}

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusDraft, ProjectStatusGeneratingScript, ProjectStatusGeneratingScenes,
		ProjectStatusAssembling, ProjectStatusComplete, ProjectStatusFailed:
		return true
	}
	return false
}

func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusComplete || s == ProjectStatusFailed
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ProjectStatusFailed {
		return true
	}
	return projectTransitions[s] == next
}

type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusGenerating SceneStatus = "generating"
	SceneStatusComplete   SceneStatus = "complete"
	SceneStatusFailed     SceneStatus = "failed"
)

func (s SceneStatus) IsTerminal() bool {
	return s == SceneStatusComplete || s == SceneStatusFailed
}

// JobState is the normalized state of an external generation job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Models

type Project struct {
	ID        uuid.UUID     `json:"id"`
	Status    ProjectStatus `json:"status"`
	Genre     string        `json:"genre"`
	Language  string        `json:"language"`
	Premise   *string       `json:"premise,omitempty"`
	Script    *Script       `json:"script,omitempty"`
	OutputRef *string       `json:"-"`

	// Operator-side diagnostics, never serialized to callers.
	ErrorCode    *string `json:"-"`
	ErrorMessage *string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Character struct {
	ID              uuid.UUID `json:"id"`
	ProjectID       uuid.UUID `json:"project_id"`
	Name            string    `json:"name"`
	OriginalPhotos  []string  `json:"original_photos"`
	ProcessedPhotos []string  `json:"processed_photos"`
	Position        int       `json:"position"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReferencePhotos returns the photo keys used as visual references.
// Processed photos win when preprocessing produced them.
func (c Character) ReferencePhotos(forceOriginal bool) []string {
	if !forceOriginal && len(c.ProcessedPhotos) > 0 {
		return c.ProcessedPhotos
	}
	return c.OriginalPhotos
}

type Scene struct {
	ID           uuid.UUID   `json:"id"`
	ProjectID    uuid.UUID   `json:"project_id"`
	Position     int         `json:"position"`
	Prompt       string      `json:"prompt"`
	JobHandle    *string     `json:"job_handle,omitempty"`
	Status       SceneStatus `json:"status"`
	VideoRef     *string     `json:"video_ref,omitempty"`
	Duration     int         `json:"duration"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage *string     `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Script is the structured trailer script returned by the text model.
type Script struct {
	Title       string        `json:"title"`
	Tagline     string        `json:"tagline"`
	Scenes      []SceneScript `json:"scenes"`
	ClosingCard ClosingCard   `json:"closingCard"`
}

type SceneScript struct {
	SceneNumber       int       `json:"sceneNumber"`
	Duration          Seconds   `json:"duration"`
	Characters        []string  `json:"characters"`
	VisualDescription string    `json:"visualDescription"`
	CameraMovement    string    `json:"cameraMovement"`
	Lighting          string    `json:"lighting"`
	Action            string    `json:"action"`
	Dialogue          *Dialogue `json:"dialogue"`
	Atmosphere        string    `json:"atmosphere"`
	TextOverlay       *string   `json:"textOverlay"`
}

// Seconds is a scene length as written by the text model. It accepts JSON
// numbers and numeric strings such as "9" or "9s"; anything else reads as 0.
type Seconds float64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*s = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "s")
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		*s = 0
		return nil
	}
	*s = Seconds(v)
	return nil
}

type Dialogue struct {
	Speaker  string `json:"speaker"`
	Tone     string `json:"tone"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type ClosingCard struct {
	Text  string `json:"text"`
	Style string `json:"style"`
}

// Value stores the script in a JSONB column
func (s Script) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Script) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported script column type %T", value)
	}
	return json.Unmarshal(data, s)
}

// ReferenceSet is the visual reference bundle for one character in a scene
type ReferenceSet struct {
	Character string   `json:"character"`
	Primary   string   `json:"primary"`
	Auxiliary []string `json:"auxiliary,omitempty"`
}

// VideoJobRequest is one scene generation request sent to a video provider.
// Reference URLs are publicly reachable.
type VideoJobRequest struct {
	Prompt          string
	NegativePrompt  string
	DurationSeconds int
	AspectRatio     string
	GenerateAudio   bool
	References      []ReferenceSet
}

// VideoJobStatus is the polled state of an external generation job
type VideoJobStatus struct {
	State    JobState
	VideoURL string
	Error    string
}

// Request/Response DTOs

type CreateProjectRequest struct {
	Genre    string  `json:"genre"`
	Language *string `json:"language,omitempty"`
	Premise  *string `json:"premise,omitempty"`
}

type CreateProjectResponse struct {
	ProjectID uuid.UUID     `json:"project_id"`
	Status    ProjectStatus `json:"status"`
}

type ProjectResponse struct {
	Project
	Characters []Character `json:"characters"`
	Scenes     []Scene     `json:"scenes"`
	OutputURL  *string     `json:"output_url,omitempty"`
}

type SceneDebug struct {
	ID           uuid.UUID   `json:"id"`
	Position     int         `json:"position"`
	Status       SceneStatus `json:"status"`
	JobHandle    *string     `json:"job_handle,omitempty"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

type ProjectDebugResponse struct {
	ProjectID    uuid.UUID     `json:"project_id"`
	Status       ProjectStatus `json:"status"`
	ErrorCode    *string       `json:"error_code,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	OutputRef    *string       `json:"output_ref,omitempty"`
	Scenes       []SceneDebug  `json:"scenes"`
	LocalRun     *RunInfo      `json:"local_run,omitempty"`
}

type RunInfo struct {
	StartedAt time.Time `json:"started_at"`
	Done      bool      `json:"done"`
	Error     *string   `json:"error,omitempty"`
}
