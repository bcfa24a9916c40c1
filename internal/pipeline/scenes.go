package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	reasonTimeout   = "timeout"
	reasonCancelled = "cancelled"

	submitBaseDelay = 2 * time.Second
	submitMaxDelay  = 30 * time.Second
)

// SceneOptions tunes the scene fan-out.
type SceneOptions struct {
	Concurrency   int // 0 = unbounded
	PollInterval  time.Duration
	MaxWait       time.Duration
	SubmitRetries int
	ForceOriginal bool
	// SubmitBaseDelay overrides the first retry delay; zero uses the default.
	SubmitBaseDelay time.Duration
}

// SceneResult is the terminal outcome of one scene task.
type SceneResult struct {
	SceneID  uuid.UUID
	Position int
	VideoRef string
	Err      *errs.SceneGenerationError
}

// Succeeded reports whether the scene produced a video.
func (r SceneResult) Succeeded() bool { return r.Err == nil && r.VideoRef != "" }

// SceneOrchestrator submits one job per scene, polls each to a terminal
// state and records the outcome on the scene row. A failing scene never
// affects its siblings.
type SceneOrchestrator struct {
	jobs     MediaJobClient
	scenes   SceneStore
	photoURL func(string) string
	opts     SceneOptions
}

func NewSceneOrchestrator(jobs MediaJobClient, scenes SceneStore, photoURL func(string) string, opts SceneOptions) *SceneOrchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 8 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Minute
	}
	if opts.SubmitRetries < 0 {
		opts.SubmitRetries = 0
	}
	if opts.SubmitBaseDelay <= 0 {
		opts.SubmitBaseDelay = submitBaseDelay
	}
	return &SceneOrchestrator{
		jobs:     jobs,
		scenes:   scenes,
		photoURL: photoURL,
		opts:     opts,
	}
}

// Prepare builds the pending scene rows for a script in script order.
func (o *SceneOrchestrator) Prepare(projectID uuid.UUID, script *models.Script) []*models.Scene {
	return PrepareScenes(projectID, script)
}

// PrepareScenes builds one pending row per script scene.
func PrepareScenes(projectID uuid.UUID, script *models.Script) []*models.Scene {
	rows := make([]*models.Scene, 0, len(script.Scenes))
	for i, sc := range script.Scenes {
		rows = append(rows, &models.Scene{
			ID:        uuid.New(),
			ProjectID: projectID,
			Position:  i,
			Prompt:    PromptSummary(i+1, sc.VisualDescription),
			Status:    models.SceneStatusPending,
			Duration:  QuantizeDuration(float64(sc.Duration)),
		})
	}
	return rows
}

// Run generates every scene and waits until each one is complete or failed.
// Results are indexed like scenes.
func (o *SceneOrchestrator) Run(ctx context.Context, genre *genres.Genre, script *models.Script, scenes []*models.Scene, characters []models.Character) []SceneResult {
	results := make([]SceneResult, len(scenes))

	var g errgroup.Group
	if o.opts.Concurrency > 0 {
		g.SetLimit(o.opts.Concurrency)
	}

	for i, scene := range scenes {
		i, scene := i, scene
		g.Go(func() error {
			results[i] = o.runIsolated(ctx, genre, script.Scenes[scene.Position], scene, characters)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runIsolated contains panics to the scene that raised them.
func (o *SceneOrchestrator) runIsolated(ctx context.Context, genre *genres.Genre, sc models.SceneScript, scene *models.Scene, characters []models.Character) (result SceneResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("scene_id", scene.ID.String()).
				Interface("panic", r).
				Msg("[Scenes] Scene task panicked")
			result = o.fail(ctx, scene, &errs.SceneGenerationError{
				SceneID:  scene.ID,
				Position: scene.Position,
				Reason:   fmt.Sprintf("internal error: %v", r),
			})
		}
	}()
	return o.runScene(ctx, genre, sc, scene, characters)
}

func (o *SceneOrchestrator) runScene(ctx context.Context, genre *genres.Genre, sc models.SceneScript, scene *models.Scene, characters []models.Character) SceneResult {
	logger := log.With().
		Str("project_id", scene.ProjectID.String()).
		Str("scene_id", scene.ID.String()).
		Int("position", scene.Position).
		Logger()

	// the wait budget covers submission and polling
	taskCtx, cancel := context.WithTimeout(ctx, o.opts.MaxWait)
	defer cancel()

	refs := ResolveReferences(sc.Characters, characters, o.opts.ForceOriginal, o.photoURL)
	req := BuildVideoJobRequest(genre, sc, refs)

	handle, err := o.submit(taskCtx, scene, req)
	if err != nil {
		return o.fail(ctx, scene, o.classify(ctx, taskCtx, scene, "submit failed", err))
	}

	if err := o.scenes.MarkSceneSubmitted(taskCtx, scene.ID, handle); err != nil {
		return o.fail(ctx, scene, o.classify(ctx, taskCtx, scene, "failed to record submission", err))
	}
	logger.Info().Str("handle", handle).Msg("[Scenes] Scene submitted")

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-taskCtx.Done():
			return o.fail(ctx, scene, o.classify(ctx, taskCtx, scene, "", taskCtx.Err()))
		case <-ticker.C:
		}

		status, err := o.jobs.Poll(taskCtx, handle)
		if err != nil {
			if taskCtx.Err() != nil {
				return o.fail(ctx, scene, o.classify(ctx, taskCtx, scene, "", taskCtx.Err()))
			}
			if errs.IsRetryable(err) {
				logger.Warn().Err(err).Msg("[Scenes] Transient poll error, will retry")
				continue
			}
			return o.fail(ctx, scene, &errs.SceneGenerationError{
				SceneID: scene.ID, Position: scene.Position, Reason: "poll failed", Err: err,
			})
		}

		switch status.State {
		case models.JobStateCompleted:
			if status.VideoURL == "" {
				return o.fail(ctx, scene, &errs.SceneGenerationError{
					SceneID: scene.ID, Position: scene.Position, Reason: "no video in result",
				})
			}
			if err := o.scenes.CompleteScene(context.WithoutCancel(ctx), scene.ID, status.VideoURL); err != nil {
				return o.fail(ctx, scene, &errs.SceneGenerationError{
					SceneID: scene.ID, Position: scene.Position, Reason: "failed to record completion", Err: err,
				})
			}
			logger.Info().Msg("[Scenes] Scene complete")
			return SceneResult{SceneID: scene.ID, Position: scene.Position, VideoRef: status.VideoURL}
		case models.JobStateFailed:
			reason := status.Error
			if reason == "" {
				reason = "generation failed"
			}
			return o.fail(ctx, scene, &errs.SceneGenerationError{
				SceneID: scene.ID, Position: scene.Position, Reason: reason,
			})
		default:
			logger.Debug().Str("state", string(status.State)).Msg("[Scenes] Scene still generating")
		}
	}
}

// submit retries retryable submission errors with exponential backoff and
// jitter, persisting the retry counter before each new attempt.
func (o *SceneOrchestrator) submit(ctx context.Context, scene *models.Scene, req models.VideoJobRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= o.opts.SubmitRetries; attempt++ {
		if attempt > 0 {
			if err := o.scenes.IncrementSceneRetry(ctx, scene.ID); err != nil {
				log.Warn().Err(err).Str("scene_id", scene.ID.String()).Msg("[Scenes] Failed to record retry")
			}

			delay := backoff(o.opts.SubmitBaseDelay, attempt)
			log.Warn().
				Err(lastErr).
				Str("scene_id", scene.ID.String()).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("[Scenes] Retrying submission")

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		handle, err := o.jobs.Submit(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > submitMaxDelay || d <= 0 {
		d = submitMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// classify names the failure: timeout when the wait budget ran out,
// cancelled when the parent was cancelled.
func (o *SceneOrchestrator) classify(parent, taskCtx context.Context, scene *models.Scene, reason string, err error) *errs.SceneGenerationError {
	sgErr := &errs.SceneGenerationError{SceneID: scene.ID, Position: scene.Position, Reason: reason, Err: err}
	switch {
	case parent.Err() != nil:
		sgErr.Reason = reasonCancelled
		sgErr.Err = nil
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		sgErr.Reason = reasonTimeout
		sgErr.Timeout = true
		sgErr.Err = nil
	}
	if sgErr.Reason == "" {
		sgErr.Reason = "failed"
	}
	return sgErr
}

// fail records the failure with a context that survives cancellation.
func (o *SceneOrchestrator) fail(parent context.Context, scene *models.Scene, sgErr *errs.SceneGenerationError) SceneResult {
	reason := sgErr.Reason
	if sgErr.Err != nil {
		reason = sgErr.Error()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()
	if err := o.scenes.FailScene(writeCtx, scene.ID, reason); err != nil {
		log.Error().Err(err).Str("scene_id", scene.ID.String()).Msg("[Scenes] Failed to record scene failure")
	}

	log.Warn().
		Str("project_id", scene.ProjectID.String()).
		Str("scene_id", scene.ID.String()).
		Int("position", scene.Position).
		Str("reason", reason).
		Msg("[Scenes] Scene failed")

	return SceneResult{SceneID: scene.ID, Position: scene.Position, Err: sgErr}
}
