package worker

import (
	"context"
	"fmt"

	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Claimer validates and claims drafts. *pipeline.Machine satisfies it.
type Claimer interface {
	Claim(ctx context.Context, projectID uuid.UUID) error
	Fail(ctx context.Context, projectID uuid.UUID, code, message string) error
}

// Enqueuer is the producing side of the run queue.
type Enqueuer interface {
	EnqueueRunPipeline(ctx context.Context, projectID uuid.UUID) error
}

// Dispatcher turns a start request into a background run. With a queue the
// run goes to whichever worker dequeues it; without one it is launched here.
type Dispatcher struct {
	claimer  Claimer
	enqueuer Enqueuer // nil launches locally
	launcher Launcher
}

func NewDispatcher(claimer Claimer, enqueuer Enqueuer, launcher Launcher) *Dispatcher {
	return &Dispatcher{claimer: claimer, enqueuer: enqueuer, launcher: launcher}
}

// Start claims the project and hands it off. It returns once the run is
// scheduled, never waiting for the pipeline itself.
func (d *Dispatcher) Start(ctx context.Context, projectID uuid.UUID) error {
	if err := d.claimer.Claim(ctx, projectID); err != nil {
		return err
	}

	var err error
	if d.enqueuer != nil {
		err = d.enqueuer.EnqueueRunPipeline(ctx, projectID)
		if err == nil {
			log.Info().Str("project_id", projectID.String()).Msg("[Dispatch] Run enqueued")
			return nil
		}
		err = fmt.Errorf("failed to enqueue run: %w", err)
	} else {
		if _, err = d.launcher.Launch(projectID); err == nil {
			return nil
		}
		err = fmt.Errorf("failed to launch run: %w", err)
	}

	// The claim succeeded but nothing will run the project.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if ferr := d.claimer.Fail(writeCtx, projectID, pipeline.CodeInternal, err.Error()); ferr != nil {
		log.Error().Err(ferr).Str("project_id", projectID.String()).Msg("[Dispatch] Failed to record dispatch failure")
	}
	return err
}
