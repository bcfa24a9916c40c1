package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service
// Alternate scene provider on the Google Gen AI SDK. The long-running
// operation name is the job handle. Veo returns file references rather than
// public URLs, so finished videos are mirrored into object storage and the
// public URL of the copy is reported.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

// ObjectUploader is the slice of object storage the Veo service needs.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// VeoService handles scene generation via Google's Veo model.
type VeoService struct {
	apiKey   string
	model    string
	uploader ObjectUploader
}

// NewVeoService creates a new Veo video generation service.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(apiKey, model string, uploader ObjectUploader) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey:   apiKey,
		model:    model,
		uploader: uploader,
	}
}

func (s *VeoService) client(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// buildVeoPrompt appends the cast to the scene prompt. Veo has no element
// binding, so likeness guidance travels as text.
func buildVeoPrompt(req models.VideoJobRequest) string {
	if len(req.References) == 0 {
		return req.Prompt
	}
	names := make([]string, 0, len(req.References))
	for _, ref := range req.References {
		names = append(names, ref.Character)
	}
	return fmt.Sprintf("%s\n\nCast: %s. Keep each character's appearance consistent throughout the shot.",
		req.Prompt, strings.Join(names, ", "))
}

// Submit starts a Veo operation and returns its name as the job handle.
func (s *VeoService) Submit(ctx context.Context, req models.VideoJobRequest) (string, error) {
	client, err := s.client(ctx)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      req.AspectRatio,
		NegativePrompt:   req.NegativePrompt,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	prompt := buildVeoPrompt(req)
	log.Debug().Str("model", s.model).Int("prompt_len", len(prompt)).Msg("[Veo] Starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, nil, config)
	if err != nil {
		return "", errs.FromTransport("veo", fmt.Errorf("failed to start video generation: %w", err))
	}

	log.Info().Str("operation", operation.Name).Msg("[Veo] Operation started")
	return operation.Name, nil
}

// Poll refreshes the operation. On completion the video is downloaded and
// mirrored to storage.
func (s *VeoService) Poll(ctx context.Context, handle string) (*models.VideoJobStatus, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	operation, err := client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return nil, errs.FromTransport("veo", fmt.Errorf("failed to poll operation: %w", err))
	}

	if !operation.Done {
		return &models.VideoJobStatus{State: models.JobStateRunning}, nil
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: string(errJSON)}, nil
	}

	if operation.Response == nil {
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: "no response in completed operation"}, nil
	}

	// Videos blocked by safety filters
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return &models.VideoJobStatus{
			State: models.JobStateFailed,
			Error: fmt.Sprintf("blocked by safety filters: %s", reasons),
		}, nil
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: "no videos in response"}, nil
	}

	video := operation.Response.GeneratedVideos[0]
	videoBytes, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video.Video), nil)
	if err != nil {
		return nil, errs.FromTransport("veo", fmt.Errorf("failed to download generated video: %w", err))
	}
	if len(videoBytes) == 0 {
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: "downloaded video is empty"}, nil
	}

	key := veoObjectKey(handle)
	if err := s.uploader.Upload(ctx, key, videoBytes, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to store generated video: %w", err)
	}

	log.Info().Str("operation", handle).Int("bytes", len(videoBytes)).Msg("[Veo] Video ready")
	return &models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: s.uploader.PublicURL(key)}, nil
}

// veoObjectKey derives a stable storage key from an operation name such as
// "models/veo-3.1-generate-preview/operations/abc123".
func veoObjectKey(operationName string) string {
	id := path.Base(operationName)
	if id == "." || id == "/" || id == "" {
		id = strings.ReplaceAll(operationName, "/", "_")
	}
	return path.Join("scenes", "veo", id+".mp4")
}
