package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runner is the unit the supervisor launches. Machine satisfies it.
type Runner interface {
	Run(ctx context.Context, projectID uuid.UUID) error
	Cancel(ctx context.Context, projectID uuid.UUID) error
	Fail(ctx context.Context, projectID uuid.UUID, code, message string) error
}

// Run is one in-process pipeline execution.
type Run struct {
	ProjectID uuid.UUID
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the run exits.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the run's error once Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run exits or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// SupervisorOptions tunes heartbeats.
type SupervisorOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

// Supervisor is the process-wide registry of in-flight runs. At most one
// run per project is live in a process.
type Supervisor struct {
	runner      Runner
	heartbeater Heartbeater // nil disables heartbeats
	opts        SupervisorOptions

	mu   sync.Mutex
	runs map[uuid.UUID]*Run
	wg   sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewSupervisor(runner Runner, heartbeater Heartbeater, opts SupervisorOptions) *Supervisor {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTTL <= opts.HeartbeatInterval {
		opts.HeartbeatTTL = 3 * opts.HeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:      runner,
		heartbeater: heartbeater,
		opts:        opts,
		runs:        make(map[uuid.UUID]*Run),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Launch starts a detached run. The run outlives the caller's request; it
// ends on completion, on Cancel or on Shutdown.
func (s *Supervisor) Launch(projectID uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return nil, fmt.Errorf("supervisor is shut down")
	}
	if _, exists := s.runs[projectID]; exists {
		return nil, &errs.StateConflictError{ProjectID: projectID, Expected: "no local run", Actual: "running"}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &Run{
		ProjectID: projectID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.runs[projectID] = run
	s.wg.Add(1)

	go s.execute(ctx, run)

	log.Info().Str("project_id", projectID.String()).Msg("[Supervisor] Run launched")
	return run, nil
}

func (s *Supervisor) execute(ctx context.Context, run *Run) {
	defer s.wg.Done()
	defer run.cancel()

	stopBeat := s.startHeartbeat(ctx, run.ProjectID)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			log.Error().Str("project_id", run.ProjectID.String()).Interface("panic", r).Msg("[Supervisor] Run panicked")

			writeCtx, cancel := context.WithTimeout(context.Background(), failWriteTimeout)
			if ferr := s.runner.Fail(writeCtx, run.ProjectID, CodeInternal, err.Error()); ferr != nil {
				log.Warn().Err(ferr).Str("project_id", run.ProjectID.String()).Msg("[Supervisor] Could not fail panicked run")
			}
			cancel()
		}

		stopBeat()

		s.mu.Lock()
		delete(s.runs, run.ProjectID)
		s.mu.Unlock()

		run.finish(err)
		log.Info().Err(err).Str("project_id", run.ProjectID.String()).Dur("elapsed", time.Since(run.StartedAt)).Msg("[Supervisor] Run exited")
	}()

	err = s.runner.Run(ctx, run.ProjectID)
}

// startHeartbeat beats until the returned stop func is called.
func (s *Supervisor) startHeartbeat(ctx context.Context, projectID uuid.UUID) func() {
	if s.heartbeater == nil {
		return func() {}
	}

	beat := func() {
		if err := s.heartbeater.Beat(ctx, projectID, s.opts.HeartbeatTTL); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("project_id", projectID.String()).Msg("[Supervisor] Heartbeat failed")
		}
	}
	beat()

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()

	return func() {
		close(stop)
		<-stopped
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.heartbeater.Clear(clearCtx, projectID); err != nil {
			log.Warn().Err(err).Str("project_id", projectID.String()).Msg("[Supervisor] Failed to clear heartbeat")
		}
	}
}

// Get returns the local run for a project, if any.
func (s *Supervisor) Get(projectID uuid.UUID) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[projectID]
	return run, ok
}

// Cancel fails the project and stops its local run if there is one.
func (s *Supervisor) Cancel(ctx context.Context, projectID uuid.UUID) error {
	if err := s.runner.Cancel(ctx, projectID); err != nil {
		return err
	}
	if run, ok := s.Get(projectID); ok {
		run.cancel()
	}
	log.Info().Str("project_id", projectID.String()).Msg("[Supervisor] Project cancelled")
	return nil
}

// Active returns the number of live runs.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every run and waits for them to exit or ctx to end.
// Interrupted projects are failed by their runs with code cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.baseCancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
