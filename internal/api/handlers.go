package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/bobarin/friendflix/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxPhotosPerCharacter = 4
	maxUploadBytes        = 40 << 20
	signedURLTTL          = time.Hour
	defaultLanguage       = "es"
)

// Store is the persistence the handlers read and write.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	CreateCharacter(ctx context.Context, c *models.Character) error
	ListCharacters(ctx context.Context, projectID uuid.UUID) ([]models.Character, error)
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	GetScene(ctx context.Context, id uuid.UUID) (*models.Scene, error)
}

// Starter schedules a pipeline run. *worker.Dispatcher satisfies it.
type Starter interface {
	Start(ctx context.Context, projectID uuid.UUID) error
}

// Runs cancels and inspects in-process runs. *pipeline.Supervisor satisfies it.
type Runs interface {
	Cancel(ctx context.Context, projectID uuid.UUID) error
	Get(projectID uuid.UUID) (*pipeline.Run, bool)
}

type Handler struct {
	store   Store
	storage storage.Store
	catalog *genres.Catalog
	starter Starter
	runs    Runs
}

func NewHandler(store Store, stor storage.Store, catalog *genres.Catalog, starter Starter, runs Runs) *Handler {
	return &Handler{
		store:   store,
		storage: stor,
		catalog: catalog,
		starter: starter,
		runs:    runs,
	}
}

// ListGenres handles GET /v1/genres
func (h *Handler) ListGenres(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"genres": h.catalog.All()})
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	if req.Genre == "" {
		respondError(w, http.StatusBadRequest, "Genre is required")
		return
	}
	if _, ok := h.catalog.Get(req.Genre); !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown genre %q", req.Genre))
		return
	}

	language := defaultLanguage
	if req.Language != nil && strings.TrimSpace(*req.Language) != "" {
		language = strings.TrimSpace(*req.Language)
	}

	project := &models.Project{
		ID:       uuid.New(),
		Status:   models.ProjectStatusDraft,
		Genre:    req.Genre,
		Language: language,
		Premise:  req.Premise,
	}

	if err := h.store.CreateProject(r.Context(), project); err != nil {
		log.Error().Err(err).Msg("[API] Failed to create project")
		respondError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateProjectResponse{
		ProjectID: project.ID,
		Status:    project.Status,
	})
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	characters, err := h.store.ListCharacters(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get characters")
		return
	}

	scenes, err := h.store.ListScenes(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get scenes")
		return
	}

	response := models.ProjectResponse{
		Project:    *project,
		Characters: characters,
		Scenes:     scenes,
	}

	// Add output URL once the trailer exists
	if project.Status == models.ProjectStatusComplete && project.OutputRef != nil {
		url := h.storage.PublicURL(*project.OutputRef)
		response.OutputURL = &url
	}

	respondJSON(w, http.StatusOK, response)
}

// AddCharacter handles POST /v1/projects/{id}/characters
// Multipart fields:
//   - name:     character name (required)
//   - position: ordering among the project's characters (default: next)
//   - photos:   1 to 4 image files
func (h *Handler) AddCharacter(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "Name is required")
		return
	}

	files := r.MultipartForm.File["photos"]
	if len(files) == 0 || len(files) > maxPhotosPerCharacter {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Between 1 and %d photos are required", maxPhotosPerCharacter))
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err, "Project not found")
		return
	}
	if project.Status != models.ProjectStatusDraft {
		respondError(w, http.StatusConflict, "Characters can only be added to a draft project")
		return
	}

	existing, err := h.store.ListCharacters(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get characters")
		return
	}
	position := len(existing)
	if p := r.FormValue("position"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid position")
			return
		}
		position = parsed
	}

	character := &models.Character{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		Position:  position,
	}

	for i, fh := range files {
		ext := strings.ToLower(path.Ext(fh.Filename))
		key := storage.UploadPath(projectID, character.ID, i, ext)
		contentType := storage.ContentTypeFor(key)
		if !strings.HasPrefix(contentType, "image/") {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported photo type %q", fh.Filename))
			return
		}

		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "Failed to read photo")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil || len(data) == 0 {
			respondError(w, http.StatusBadRequest, "Failed to read photo")
			return
		}

		if err := h.storage.Upload(r.Context(), key, data, contentType); err != nil {
			log.Error().Err(err).Str("project_id", projectID.String()).Msg("[API] Failed to upload photo")
			respondError(w, http.StatusInternalServerError, "Failed to upload photo")
			return
		}
		character.OriginalPhotos = append(character.OriginalPhotos, key)
	}

	if err := h.store.CreateCharacter(r.Context(), character); err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	respondJSON(w, http.StatusCreated, character)
}

// StartProject handles POST /v1/projects/{id}/start
func (h *Handler) StartProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.starter.Start(r.Context(), projectID); err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateProjectResponse{
		ProjectID: projectID,
		Status:    models.ProjectStatusGeneratingScript,
	})
}

// CancelProject handles POST /v1/projects/{id}/cancel
func (h *Handler) CancelProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.runs.Cancel(r.Context(), projectID); err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateProjectResponse{
		ProjectID: projectID,
		Status:    models.ProjectStatusFailed,
	})
}

// GetProjectOutput handles GET /v1/projects/{id}/output
func (h *Handler) GetProjectOutput(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	if project.Status != models.ProjectStatusComplete || project.OutputRef == nil {
		respondError(w, http.StatusNotFound, "Trailer not ready")
		return
	}

	// Get signed URL (valid for 1 hour)
	signedURL, err := h.storage.SignedURL(r.Context(), *project.OutputRef, signedURLTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// GetScene handles GET /v1/projects/{id}/scenes/{sceneId}
func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	sceneID, ok := parseID(w, r, "sceneId")
	if !ok {
		return
	}

	scene, err := h.store.GetScene(r.Context(), sceneID)
	if err != nil || scene.ProjectID != projectID {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	respondJSON(w, http.StatusOK, scene)
}

// GetProjectDebug handles GET /v1/projects/{id}/debug
func (h *Handler) GetProjectDebug(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err, "Project not found")
		return
	}

	scenes, err := h.store.ListScenes(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get scenes")
		return
	}

	response := models.ProjectDebugResponse{
		ProjectID:    project.ID,
		Status:       project.Status,
		ErrorCode:    project.ErrorCode,
		ErrorMessage: project.ErrorMessage,
		OutputRef:    project.OutputRef,
		Scenes:       make([]models.SceneDebug, 0, len(scenes)),
	}
	for _, sc := range scenes {
		response.Scenes = append(response.Scenes, models.SceneDebug{
			ID:           sc.ID,
			Position:     sc.Position,
			Status:       sc.Status,
			JobHandle:    sc.JobHandle,
			RetryCount:   sc.RetryCount,
			ErrorMessage: sc.ErrorMessage,
		})
	}

	if run, ok := h.runs.Get(projectID); ok {
		info := &models.RunInfo{StartedAt: run.StartedAt}
		select {
		case <-run.Done():
			info.Done = true
			if err := run.Err(); err != nil {
				msg := err.Error()
				info.Error = &msg
			}
		default:
		}
		response.LocalRun = info
	}

	respondJSON(w, http.StatusOK, response)
}

// Helper methods

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// respondErr maps typed errors to status codes.
func respondErr(w http.ResponseWriter, err error, notFound string) {
	var (
		validation *errs.ValidationError
		conflict   *errs.StateConflictError
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, errs.ErrNotFound):
		respondError(w, http.StatusNotFound, notFound)
	default:
		log.Error().Err(err).Msg("[API] Request failed")
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
