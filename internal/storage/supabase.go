package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/rs/zerolog/log"
)

const (
	// Upload timeout per attempt, sized for full trailers
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	signTimeout = 15 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	supabaseService = "supabase"
)

// Supabase stores objects in a Supabase Storage bucket over its REST API.
// Every call retries transient failures with backoff; missing objects
// surface as errs.ErrNotFound.
type Supabase struct {
	baseURL    string
	serviceKey string
	bucket     string
	client     *http.Client
}

func NewSupabase(baseURL, serviceKey, bucket string) *Supabase {
	return &Supabase{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Upload writes data at key, replacing any existing object.
func (s *Supabase) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	err := withRetry(ctx, "upload", key, func(ctx context.Context) error {
		_, err := s.exchange(ctx, http.MethodPut, s.objectURL("", key), data, uploadTimeout, map[string]string{
			"Content-Type": contentType,
			"x-upsert":     "true",
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("[Storage] Uploaded object")
	return nil
}

func (s *Supabase) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var data []byte
	err := withRetry(ctx, "download", key, func(ctx context.Context) error {
		body, err := s.exchange(ctx, http.MethodGet, s.objectURL("", key), nil, downloadTimeout, nil)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

// PublicURL is the unauthenticated object URL. The bucket is public so video
// providers can read reference photos from it.
func (s *Supabase) PublicURL(key string) string {
	return s.objectURL("public", key)
}

// SignedURL returns a time-limited download link, used for finished trailers.
func (s *Supabase) SignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]int{"expiresIn": int(expiresIn.Seconds())})
	if err != nil {
		return "", fmt.Errorf("failed to encode sign request: %w", err)
	}

	var body []byte
	err = withRetry(ctx, "sign", key, func(ctx context.Context) error {
		b, err := s.exchange(ctx, http.MethodPost, s.objectURL("sign", key), payload, signTimeout, map[string]string{
			"Content-Type": "application/json",
		})
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", key, err)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	if result.SignedURL == "" {
		return "", &errs.ExternalServiceError{Service: supabaseService, Body: "empty signedURL"}
	}

	return s.baseURL + result.SignedURL, nil
}

// objectURL builds /storage/v1/object[/kind]/<bucket>/<key> with each key
// segment escaped.
func (s *Supabase) objectURL(kind, key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	parts := []string{s.baseURL, "storage/v1/object"}
	if kind != "" {
		parts = append(parts, kind)
	}
	parts = append(parts, s.bucket, strings.Join(segments, "/"))
	return strings.Join(parts, "/")
}

// exchange performs one authenticated request and returns the body of a 2xx
// response. Failures come back classified for withRetry.
func (s *Supabase) exchange(ctx context.Context, method, target string, payload []byte, timeout time.Duration, headers map[string]string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.FromTransport(supabaseService, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.ExternalServiceError{Service: supabaseService, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// classifyResponse maps a non-2xx storage response. Supabase reports a
// missing object either as 404 or as 400 with a not_found error body.
func classifyResponse(status int, body []byte) error {
	if status == http.StatusNotFound || (status == http.StatusBadRequest && isNotFoundBody(body)) {
		return errs.ErrNotFound
	}
	return errs.FromStatus(supabaseService, status, truncate(string(body), 200))
}

func isNotFoundBody(body []byte) bool {
	var payload struct {
		StatusCode string `json:"statusCode"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.StatusCode == "404" || strings.EqualFold(payload.Error, "not_found")
}

// withRetry runs attempt until it succeeds, fails permanently or runs out of
// retries. Only retryable ExternalServiceErrors are retried.
func withRetry(ctx context.Context, op, key string, attempt func(context.Context) error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := retryDelay(i)
			log.Warn().Err(lastErr).Str("op", op).Str("key", key).Int("attempt", i+1).Dur("delay", delay).Msg("[Storage] Retrying")

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := attempt(ctx)
		if err == nil {
			if i > 0 {
				log.Info().Str("op", op).Str("key", key).Int("attempt", i+1).Msg("[Storage] Succeeded after retry")
			}
			return nil
		}
		if !errs.IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// 0-25% jitter
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
