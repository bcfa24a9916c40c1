package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// fal.ai queue client
// Follows the queue pattern: submit → poll status by request_id → fetch result.
// Kling scene videos use Submit/Poll directly so the caller owns the poll
// loop; background removal runs the whole cycle synchronously.
// ---------------------------------------------------------------------------

const (
	falQueueURL          = "https://queue.fal.run"
	falDefaultVideoModel = "fal-ai/kling-video/v3/standard/text-to-video"
	falDefaultRembgModel = "fal-ai/imageutils/rembg"
	falNegativePrompt    = "blurry, low quality, text, watermark, logo, distorted faces, artifacts"
	falCfgScale          = 0.5
	falRembgPollInterval = 2 * time.Second
	falRembgMaxWait      = 2 * time.Minute
	falMaxAuxiliaryRefs  = 3
)

// FalClient talks to the fal.ai queue API.
type FalClient struct {
	apiKey     string
	baseURL    string
	videoModel string
	rembgModel string
	httpClient *http.Client
}

// NewFalClient creates a new fal.ai client. Empty model names use the defaults.
func NewFalClient(apiKey, videoModel, rembgModel string) *FalClient {
	if videoModel == "" {
		videoModel = falDefaultVideoModel
	}
	if rembgModel == "" {
		rembgModel = falDefaultRembgModel
	}
	return &FalClient{
		apiKey:     apiKey,
		baseURL:    falQueueURL,
		videoModel: videoModel,
		rembgModel: rembgModel,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
	}
}

// WithBaseURL points the client at a different queue host.
func (c *FalClient) WithBaseURL(baseURL string) *FalClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// klingRequest is the input for the Kling text-to-video model
type klingRequest struct {
	Prompt         string         `json:"prompt"`
	Duration       string         `json:"duration"`
	AspectRatio    string         `json:"aspect_ratio"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	CfgScale       float64        `json:"cfg_scale"`
	GenerateAudio  bool           `json:"generate_audio"`
	Elements       []klingElement `json:"elements,omitempty"`
}

// klingElement binds a character likeness to the generation
type klingElement struct {
	FrontalImageURL    string   `json:"frontal_image_url"`
	ReferenceImageURLs []string `json:"reference_image_urls,omitempty"`
}

// klingResult accepts both result shapes the model has returned:
// {"video":{"url":...}} and {"videos":[{"url":...}]}
type klingResult struct {
	Video  *falFile  `json:"video,omitempty"`
	Videos []falFile `json:"videos,omitempty"`
}

type falFile struct {
	URL string `json:"url"`
}

type rembgResult struct {
	Image *falFile `json:"image,omitempty"`
}

// falSubmitResponse is the response from POST /{model}
type falSubmitResponse struct {
	RequestID string `json:"request_id"`
}

// falStatusResponse is the response from GET /{app}/requests/{id}/status
type falStatusResponse struct {
	Status string `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED
	Error  string `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Scene video jobs
// ---------------------------------------------------------------------------

// Submit sends one scene generation request and returns the fal request id.
func (c *FalClient) Submit(ctx context.Context, req models.VideoJobRequest) (string, error) {
	body := buildKlingRequest(req)

	log.Debug().
		Int("prompt_len", len(body.Prompt)).
		Str("duration", body.Duration).
		Str("aspect", body.AspectRatio).
		Int("elements", len(body.Elements)).
		Msg("[fal] Submitting Kling job")

	requestID, err := c.submit(ctx, c.videoModel, body)
	if err != nil {
		return "", err
	}

	log.Info().Str("request_id", requestID).Msg("[fal] Kling job submitted")
	return requestID, nil
}

// Poll returns the normalized state of a Kling job.
func (c *FalClient) Poll(ctx context.Context, handle string) (*models.VideoJobStatus, error) {
	status, err := c.status(ctx, c.videoModel, handle)
	if err != nil {
		return nil, err
	}

	switch status.Status {
	case "IN_QUEUE":
		return &models.VideoJobStatus{State: models.JobStateQueued}, nil
	case "IN_PROGRESS":
		return &models.VideoJobStatus{State: models.JobStateRunning}, nil
	case "COMPLETED":
	default:
		return nil, &errs.ExternalServiceError{Service: "fal", Body: "unknown queue status " + status.Status}
	}

	if status.Error != "" {
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: status.Error}, nil
	}

	var result klingResult
	if err := c.result(ctx, c.videoModel, handle, &result); err != nil {
		// A completed request whose result is a client error is a definitive failure.
		var ext *errs.ExternalServiceError
		if errors.As(err, &ext) && !ext.Retryable && ext.StatusCode >= 400 && ext.StatusCode < 500 {
			return &models.VideoJobStatus{State: models.JobStateFailed, Error: ext.Error()}, nil
		}
		return nil, err
	}

	url := result.videoURL()
	if url == "" {
		return &models.VideoJobStatus{State: models.JobStateFailed, Error: "no video URL in Kling result"}, nil
	}
	return &models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: url}, nil
}

func (r klingResult) videoURL() string {
	if r.Video != nil && r.Video.URL != "" {
		return r.Video.URL
	}
	if len(r.Videos) > 0 {
		return r.Videos[0].URL
	}
	return ""
}

// buildKlingRequest maps a scene job onto the Kling input schema.
func buildKlingRequest(req models.VideoJobRequest) klingRequest {
	duration := "5"
	if req.DurationSeconds >= 10 {
		duration = "10"
	}

	negative := req.NegativePrompt
	if negative == "" {
		negative = falNegativePrompt
	}

	out := klingRequest{
		Prompt:         req.Prompt,
		Duration:       duration,
		AspectRatio:    req.AspectRatio,
		NegativePrompt: negative,
		CfgScale:       falCfgScale,
		GenerateAudio:  req.GenerateAudio,
	}

	for _, ref := range req.References {
		if ref.Primary == "" {
			continue
		}
		el := klingElement{FrontalImageURL: ref.Primary}
		aux := ref.Auxiliary
		if len(aux) > falMaxAuxiliaryRefs {
			aux = aux[:falMaxAuxiliaryRefs]
		}
		if len(aux) > 0 {
			el.ReferenceImageURLs = aux
		}
		out.Elements = append(out.Elements, el)
	}

	return out
}

// ---------------------------------------------------------------------------
// Background removal
// ---------------------------------------------------------------------------

// RemoveBackground runs the rembg model on a public image URL and returns
// the URL of the processed PNG.
func (c *FalClient) RemoveBackground(ctx context.Context, imageURL string) (string, error) {
	requestID, err := c.submit(ctx, c.rembgModel, map[string]string{"image_url": imageURL})
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(falRembgMaxWait)
	for {
		status, err := c.status(ctx, c.rembgModel, requestID)
		if err != nil && !errs.IsRetryable(err) {
			return "", err
		}
		if err == nil && status.Status == "COMPLETED" {
			if status.Error != "" {
				return "", &errs.ExternalServiceError{Service: "fal", Body: status.Error}
			}
			break
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("background removal timed out after %v (request_id=%s)", falRembgMaxWait, requestID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("background removal cancelled: %w", ctx.Err())
		case <-time.After(falRembgPollInterval):
		}
	}

	var result rembgResult
	if err := c.result(ctx, c.rembgModel, requestID, &result); err != nil {
		return "", err
	}
	if result.Image == nil || result.Image.URL == "" {
		return "", &errs.ExternalServiceError{Service: "fal", Body: "no image URL in rembg result"}
	}
	return result.Image.URL, nil
}

// ---------------------------------------------------------------------------
// Queue primitives
// ---------------------------------------------------------------------------

// appID returns the owner/app prefix of a model path. Status and result
// endpoints live under the app, not the full model path.
func appID(model string) string {
	parts := strings.SplitN(model, "/", 3)
	if len(parts) < 2 {
		return model
	}
	return parts[0] + "/" + parts[1]
}

func (c *FalClient) submit(ctx context.Context, model string, input interface{}) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+model, jsonData)
	if err != nil {
		return "", err
	}

	var resp falSubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &errs.ExternalServiceError{Service: "fal", Body: string(body), Err: fmt.Errorf("failed to parse submit response: %w", err)}
	}
	if resp.RequestID == "" {
		return "", &errs.ExternalServiceError{Service: "fal", Body: "no request_id in submit response: " + string(body)}
	}
	return resp.RequestID, nil
}

func (c *FalClient) status(ctx context.Context, model, requestID string) (*falStatusResponse, error) {
	url := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, appID(model), requestID)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var status falStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, &errs.ExternalServiceError{Service: "fal", Body: string(body), Err: fmt.Errorf("failed to parse status: %w", err)}
	}
	return &status, nil
}

func (c *FalClient) result(ctx context.Context, model, requestID string, out interface{}) error {
	url := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, appID(model), requestID)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &errs.ExternalServiceError{Service: "fal", Body: string(body), Err: fmt.Errorf("failed to parse result: %w", err)}
	}
	return nil
}

func (c *FalClient) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.FromTransport("fal", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.FromTransport("fal", fmt.Errorf("failed to read response: %w", err))
	}

	// 202 is returned while a request is still queued
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, errs.FromStatus("fal", resp.StatusCode, string(body))
	}

	return body, nil
}
