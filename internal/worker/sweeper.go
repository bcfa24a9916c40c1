package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var transientStatuses = []models.ProjectStatus{
	models.ProjectStatusGeneratingScript,
	models.ProjectStatusGeneratingScenes,
	models.ProjectStatusAssembling,
}

// StaleLister finds projects that have not moved since before.
type StaleLister interface {
	ListStaleProjects(ctx context.Context, statuses []models.ProjectStatus, before time.Time) ([]models.Project, error)
}

// HeartbeatChecker reports whether any process still runs a project.
type HeartbeatChecker interface {
	HasHeartbeat(ctx context.Context, projectID uuid.UUID) (bool, error)
}

// Sweeper fails projects whose run died with its process.
type Sweeper struct {
	store      StaleLister
	heartbeats HeartbeatChecker // nil when runs are local only
	runs       Launcher
	failer     Claimer
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(store StaleLister, heartbeats HeartbeatChecker, runs Launcher, failer Claimer, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		heartbeats: heartbeats,
		runs:       runs,
		failer:     failer,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("[Sweeper] Sweep failed")
			} else if n > 0 {
				log.Info().Int("failed", n).Msg("[Sweeper] Stalled projects failed")
			}
		}
	}
}

// Sweep fails every stale transient project with no live run and returns
// how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleProjects(ctx, transientStatuses, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale projects: %w", err)
	}

	failed := 0
	for _, p := range stale {
		if s.alive(ctx, p.ID) {
			continue
		}

		msg := fmt.Sprintf("no live run for project in %s since %s", p.Status, p.UpdatedAt.Format(time.RFC3339))
		err := s.failer.Fail(ctx, p.ID, pipeline.CodeStalled, msg)
		var conflict *errs.StateConflictError
		switch {
		case err == nil:
			failed++
			log.Warn().Str("project_id", p.ID.String()).Str("status", string(p.Status)).Msg("[Sweeper] Project stalled")
		case errors.As(err, &conflict):
			// finished between the list and the write
		default:
			log.Error().Err(err).Str("project_id", p.ID.String()).Msg("[Sweeper] Failed to fail stalled project")
		}
	}
	return failed, nil
}

func (s *Sweeper) alive(ctx context.Context, projectID uuid.UUID) bool {
	if _, ok := s.runs.Get(projectID); ok {
		return true
	}
	if s.heartbeats == nil {
		return false
	}
	beating, err := s.heartbeats.HasHeartbeat(ctx, projectID)
	if err != nil {
		// an unreachable heartbeat store must not fail live runs
		log.Warn().Err(err).Str("project_id", projectID.String()).Msg("[Sweeper] Heartbeat check failed")
		return true
	}
	return beating
}
