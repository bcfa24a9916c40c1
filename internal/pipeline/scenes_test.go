package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/memstore"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
)

// seedScenes puts a project into generating_scenes with one row per script scene.
func seedScenes(t *testing.T, store *memstore.Store, script *models.Script) (uuid.UUID, []*models.Scene) {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{ID: uuid.New(), Status: models.ProjectStatusDraft, Genre: "test_genre", Language: "en"}
	if err := store.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionProject(ctx, p.ID, models.ProjectStatusDraft, models.ProjectStatusGeneratingScript); err != nil {
		t.Fatal(err)
	}
	rows := PrepareScenes(p.ID, script)
	if err := store.BeginSceneGeneration(ctx, p.ID, rows); err != nil {
		t.Fatal(err)
	}
	return p.ID, rows
}

func testScript(t *testing.T, n int) *models.Script {
	t.Helper()
	durations := make([]float64, n)
	for i := range durations {
		durations[i] = 5
	}
	g := *testGenre(t)
	g.SceneCount = n
	script, err := ParseScript(scriptJSON(durations...), &g, nil)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func newOrchestrator(jobs MediaJobClient, store SceneStore, maxWait time.Duration) *SceneOrchestrator {
	return NewSceneOrchestrator(jobs, store, func(k string) string { return "https://store/" + k }, SceneOptions{
		Concurrency:     2,
		PollInterval:    5 * time.Millisecond,
		MaxWait:         maxWait,
		SubmitRetries:   2,
		SubmitBaseDelay: time.Millisecond,
	})
}

func TestPrepareScenes(t *testing.T) {
	script := testScript(t, 3)
	script.Scenes[1].Duration = 9

	rows := PrepareScenes(uuid.New(), script)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Position != i || r.Status != models.SceneStatusPending {
			t.Errorf("row %d: unexpected %+v", i, r)
		}
	}
	if rows[1].Duration != 10 {
		t.Errorf("expected quantized duration 10, got %d", rows[1].Duration)
	}
	if rows[0].Prompt != "Scene 1: shot-1" {
		t.Errorf("unexpected prompt summary %q", rows[0].Prompt)
	}
}

func TestSceneFailureIsIsolated(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 3)
	pid, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.outcome = failWhen("shot-2")

	results := newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, nil)

	if !results[0].Succeeded() || results[1].Succeeded() || !results[2].Succeeded() {
		t.Fatalf("unexpected results %+v", results)
	}

	scenes, _ := store.ListScenes(context.Background(), pid)
	want := []models.SceneStatus{models.SceneStatusComplete, models.SceneStatusFailed, models.SceneStatusComplete}
	for i, sc := range scenes {
		if sc.Status != want[i] {
			t.Errorf("scene %d: expected %s, got %s", i, want[i], sc.Status)
		}
	}
	if scenes[1].ErrorMessage == nil || !strings.Contains(*scenes[1].ErrorMessage, "content policy") {
		t.Errorf("expected upstream reason recorded, got %v", scenes[1].ErrorMessage)
	}
	if scenes[0].VideoRef == nil || scenes[0].JobHandle == nil {
		t.Errorf("expected video ref and job handle on complete scene")
	}
}

func TestSceneCompletedWithoutVideoFails(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 3)
	pid, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.outcome = emptyResultWhen("shot-2")

	results := newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, nil)

	if !results[0].Succeeded() || results[1].Succeeded() || !results[2].Succeeded() {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[1].Err == nil || results[1].Err.Reason != "no video in result" {
		t.Errorf("expected missing video reason, got %+v", results[1].Err)
	}

	scenes, _ := store.ListScenes(context.Background(), pid)
	if scenes[1].Status != models.SceneStatusFailed || scenes[1].VideoRef != nil {
		t.Errorf("expected scene 2 failed without a video ref, got %s %v", scenes[1].Status, scenes[1].VideoRef)
	}
	for _, i := range []int{0, 2} {
		if scenes[i].Status != models.SceneStatusComplete || scenes[i].VideoRef == nil {
			t.Errorf("scene %d: expected complete with video ref, got %s", i, scenes[i].Status)
		}
	}
}

func TestScenePanicIsIsolated(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 2)
	_, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.outcome = func(prompt string) models.VideoJobStatus {
		if strings.Contains(prompt, "shot-1") {
			panic("provider client bug")
		}
		return models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: "https://v/ok.mp4"}
	}

	results := newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, nil)
	if results[0].Succeeded() || !results[1].Succeeded() {
		t.Errorf("expected only the panicking scene to fail, got %+v", results)
	}
}

func TestSceneTimeout(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 1)
	pid, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.outcome = neverFinish

	results := newOrchestrator(jobs, store, 50*time.Millisecond).Run(context.Background(), testGenre(t), script, rows, nil)

	if results[0].Err == nil || !results[0].Err.Timeout {
		t.Fatalf("expected timeout, got %+v", results[0])
	}
	sc, _ := store.GetScene(context.Background(), rows[0].ID)
	if sc.Status != models.SceneStatusFailed || sc.ErrorMessage == nil || *sc.ErrorMessage != "timeout" {
		t.Errorf("expected failed with reason timeout, got %s %v", sc.Status, sc.ErrorMessage)
	}
	if sc.ProjectID != pid {
		t.Errorf("scene attached to wrong project")
	}
}

func TestSubmitRetriesArePersisted(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 1)
	_, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.submitErrs = []error{
		&errs.ExternalServiceError{Service: "fal", StatusCode: 503, Retryable: true},
		&errs.ExternalServiceError{Service: "fal", StatusCode: 429, Retryable: true},
	}

	results := newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, nil)
	if !results[0].Succeeded() {
		t.Fatalf("expected success after retries, got %+v", results[0])
	}
	if jobs.Submits() != 3 {
		t.Errorf("expected 3 submits, got %d", jobs.Submits())
	}
	sc, _ := store.GetScene(context.Background(), rows[0].ID)
	if sc.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", sc.RetryCount)
	}
}

func TestSubmitDoesNotRetryPermanentErrors(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 1)
	_, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.submitErrs = []error{&errs.ExternalServiceError{Service: "fal", StatusCode: 422}}

	results := newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, nil)
	if results[0].Succeeded() {
		t.Fatal("expected failure")
	}
	if jobs.Submits() != 1 {
		t.Errorf("expected a single submit, got %d", jobs.Submits())
	}
	sc, _ := store.GetScene(context.Background(), rows[0].ID)
	if sc.RetryCount != 0 || sc.Status != models.SceneStatusFailed {
		t.Errorf("unexpected scene %+v", sc)
	}
}

func TestSceneCancellationIsRecorded(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 2)
	_, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	jobs.outcome = neverFinish

	g := testGenre(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []SceneResult)
	go func() {
		done <- newOrchestrator(jobs, store, 10*time.Second).Run(ctx, g, script, rows, nil)
	}()

	waitFor(t, time.Second, func() bool { return jobs.Submits() == 2 })
	cancel()

	select {
	case results := <-done:
		for i, r := range results {
			if r.Err == nil || r.Err.Reason != "cancelled" {
				t.Errorf("scene %d: expected cancelled, got %+v", i, r)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not settle after cancellation")
	}

	for _, row := range rows {
		sc, _ := store.GetScene(context.Background(), row.ID)
		if sc.Status != models.SceneStatusFailed {
			t.Errorf("scene %d: expected failed after cancel, got %s", sc.Position, sc.Status)
		}
	}
}

func TestSceneRequestsCarryReferences(t *testing.T) {
	store := memstore.New()
	script := testScript(t, 1)
	_, rows := seedScenes(t, store, script)

	jobs := newFakeJobs()
	characters := []models.Character{{Name: "Ana", OriginalPhotos: []string{"uploads/a/0.jpg", "uploads/a/1.jpg"}}}

	newOrchestrator(jobs, store, 2*time.Second).Run(context.Background(), testGenre(t), script, rows, characters)

	if len(jobs.requests) != 1 || len(jobs.requests[0].References) != 1 {
		t.Fatalf("expected one request with one reference set, got %+v", jobs.requests)
	}
	ref := jobs.requests[0].References[0]
	if ref.Primary != "https://store/uploads/a/0.jpg" || len(ref.Auxiliary) != 1 {
		t.Errorf("unexpected reference set %+v", ref)
	}
}
