package services

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/rs/zerolog/log"
)

const (
	fetchMaxRetries = 3
	fetchBaseDelay  = time.Second
	fetchMaxBytes   = 512 << 20
)

// Fetcher downloads provider-hosted media over plain HTTP(S).
type Fetcher struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		maxRetries: fetchMaxRetries,
		baseDelay:  fetchBaseDelay,
	}
}

// Fetch returns the body at url, retrying transient failures with
// exponential backoff and jitter.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.baseDelay * time.Duration(1<<uint(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("[Fetcher] Retrying download")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := f.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			break
		}
	}

	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errs.FromTransport("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errs.FromStatus("download", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return nil, errs.FromTransport("download", fmt.Errorf("failed to read body: %w", err))
	}
	if len(data) == 0 {
		return nil, &errs.ExternalServiceError{Service: "download", Body: "empty body"}
	}
	return data, nil
}
