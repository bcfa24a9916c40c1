package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/memstore"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/bobarin/friendflix/internal/queue"
	"github.com/google/uuid"
)

// fakeMachine records pipeline calls. It is both the Claimer and the
// supervisor's Runner.
type fakeMachine struct {
	mu       sync.Mutex
	claimErr error
	ran      []uuid.UUID
	failures map[uuid.UUID]string
	block    bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{failures: make(map[uuid.UUID]string)}
}

func (f *fakeMachine) Claim(ctx context.Context, id uuid.UUID) error { return f.claimErr }

func (f *fakeMachine) Run(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	f.ran = append(f.ran, id)
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeMachine) Cancel(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeMachine) Fail(ctx context.Context, id uuid.UUID, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = code
	return nil
}

func (f *fakeMachine) runs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ran...)
}

type fakeQueue struct {
	jobs       chan *queue.Job
	enqueueErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{jobs: make(chan *queue.Job, 8)} }

func (f *fakeQueue) EnqueueRunPipeline(ctx context.Context, id uuid.UUID) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs <- &queue.Job{ID: uuid.New(), Type: "run_pipeline", ProjectID: id}
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error) {
	select {
	case job := <-f.jobs:
		return job, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherLaunchesLocally(t *testing.T) {
	m := newFakeMachine()
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(context.Background())

	id := uuid.New()
	if err := NewDispatcher(m, nil, sup).Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(m.runs()) == 1 })
}

func TestDispatcherEnqueues(t *testing.T) {
	m := newFakeMachine()
	q := newFakeQueue()
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(context.Background())

	id := uuid.New()
	if err := NewDispatcher(m, q, sup).Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	select {
	case job := <-q.jobs:
		if job.ProjectID != id {
			t.Errorf("expected job for %s, got %s", id, job.ProjectID)
		}
	default:
		t.Fatal("expected a queued job")
	}
	if len(m.runs()) != 0 {
		t.Error("expected no local launch when a queue is configured")
	}
}

func TestDispatcherFailsProjectWhenEnqueueFails(t *testing.T) {
	m := newFakeMachine()
	q := newFakeQueue()
	q.enqueueErr = errors.New("redis down")
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(context.Background())

	id := uuid.New()
	if err := NewDispatcher(m, q, sup).Start(context.Background(), id); err == nil {
		t.Fatal("expected error")
	}
	if m.failures[id] != pipeline.CodeInternal {
		t.Errorf("expected project failed with internal, got %q", m.failures[id])
	}
}

func TestDispatcherReturnsClaimErrors(t *testing.T) {
	m := newFakeMachine()
	m.claimErr = &errs.StateConflictError{Expected: "draft", Actual: "complete"}
	q := newFakeQueue()
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(context.Background())

	var conflict *errs.StateConflictError
	if err := NewDispatcher(m, q, sup).Start(context.Background(), uuid.New()); !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if len(q.jobs) != 0 {
		t.Error("expected nothing enqueued")
	}
	if len(m.failures) != 0 {
		t.Error("expected no failure recorded for a rejected claim")
	}
}

func TestWorkerConsumesRuns(t *testing.T) {
	m := newFakeMachine()
	q := newFakeQueue()
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		New(q, sup).Start(ctx, 2)
		close(stopped)
	}()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := q.EnqueueRunPipeline(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(m.runs()) == 3 })

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweeperFailsOnlyDeadRuns(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	past := time.Now().Add(-time.Hour)
	store.SetClock(func() time.Time { return past })

	seed := func(to models.ProjectStatus) uuid.UUID {
		p := &models.Project{ID: uuid.New(), Status: models.ProjectStatusDraft, Genre: "g", Language: "en"}
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatal(err)
		}
		if to != models.ProjectStatusDraft {
			if err := store.TransitionProject(ctx, p.ID, models.ProjectStatusDraft, to); err != nil {
				t.Fatal(err)
			}
		}
		return p.ID
	}
	dead := seed(models.ProjectStatusGeneratingScript)
	beating := seed(models.ProjectStatusGeneratingScript)
	local := seed(models.ProjectStatusGeneratingScript)
	draft := seed(models.ProjectStatusDraft)
	store.SetClock(time.Now)

	m := newFakeMachine()
	m.block = true
	sup := pipeline.NewSupervisor(m, nil, pipeline.SupervisorOptions{})
	defer sup.Shutdown(ctx)
	if _, err := sup.Launch(local); err != nil {
		t.Fatal(err)
	}

	beats := fakeBeats{beating: true}
	machine := &storeFailer{store: store}
	n, err := NewSweeper(store, beats, sup, machine, 30*time.Minute).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 project failed, got %d", n)
	}

	check := func(id uuid.UUID, want models.ProjectStatus) {
		p, _ := store.GetProject(ctx, id)
		if p.Status != want {
			t.Errorf("project %s: expected %s, got %s", id, want, p.Status)
		}
	}
	check(dead, models.ProjectStatusFailed)
	check(beating, models.ProjectStatusGeneratingScript)
	check(local, models.ProjectStatusGeneratingScript)
	check(draft, models.ProjectStatusDraft)

	if p, _ := store.GetProject(ctx, dead); p.ErrorCode == nil || *p.ErrorCode != pipeline.CodeStalled {
		t.Errorf("expected stalled code, got %v", p.ErrorCode)
	}
}

type fakeBeats map[uuid.UUID]bool

func (f fakeBeats) HasHeartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	return f[id], nil
}

// storeFailer adapts the memstore to the Claimer used for failure writes.
type storeFailer struct {
	store *memstore.Store
}

func (s *storeFailer) Claim(ctx context.Context, id uuid.UUID) error { return nil }

func (s *storeFailer) Fail(ctx context.Context, id uuid.UUID, code, message string) error {
	return s.store.FailProject(ctx, id, code, message)
}
