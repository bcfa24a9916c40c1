package worker

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/bobarin/friendflix/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	dequeueTimeout   = 5 * time.Second
	dequeueBackoff   = time.Second
	failWriteTimeout = 10 * time.Second
)

// JobSource is the consuming side of the run queue.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
}

// Launcher starts pipeline runs in this process. *pipeline.Supervisor satisfies it.
type Launcher interface {
	Launch(projectID uuid.UUID) (*pipeline.Run, error)
	Get(projectID uuid.UUID) (*pipeline.Run, bool)
}

// Worker consumes run_pipeline jobs and executes them through the supervisor.
type Worker struct {
	jobs     JobSource
	launcher Launcher
}

func New(jobs JobSource, launcher Launcher) *Worker {
	return &Worker{jobs: jobs, launcher: launcher}
}

// Start runs concurrency consumers and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Info().Int("concurrency", concurrency).Msg("[Worker] Started")

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			w.processQueue(ctx)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("[Worker] Shutting down...")
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.jobs.Dequeue(ctx, queue.QueueRunPipeline, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", queue.QueueRunPipeline).Msg("[Worker] Error dequeuing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if job == nil {
			continue // No job available, retry
		}

		w.handle(ctx, job)
	}
}

// handle launches the run and holds this consumer slot until it exits, so
// at most concurrency pipelines run per process.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	logger := log.With().Str("job_id", job.ID.String()).Str("project_id", job.ProjectID.String()).Logger()
	logger.Info().Msg("[Worker] Processing run_pipeline job")

	run, err := w.launcher.Launch(job.ProjectID)
	if err != nil {
		var conflict *errs.StateConflictError
		if errors.As(err, &conflict) {
			logger.Info().Msg("[Worker] Project already running in this process, skipping job")
			return
		}
		logger.Error().Err(err).Msg("[Worker] Failed to launch run")
		return
	}

	if err := run.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		var conflict *errs.StateConflictError
		if errors.As(err, &conflict) {
			logger.Info().Err(err).Msg("[Worker] Project not runnable, job dropped")
			return
		}
		logger.Warn().Err(err).Msg("[Worker] Run failed")
		return
	}
	logger.Info().Msg("[Worker] Run completed")
}
