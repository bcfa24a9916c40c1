package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/memstore"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/services"
	"github.com/google/uuid"
)

const testGenreYAML = `
genres:
  - id: test_genre
    name: Test Genre
    subtitle: Tests
    description: A genre for tests
    scene_count: 3
    total_duration: 15
    visual_style: "grainy film"
    narrative_arc: [setup, conflict, payoff]
    music_track: theme.mp3
    title_card:
      text: "SOON"
      color: red
    aspect_ratio: "16:9"
    dialogue_language: English
    camera_keywords: [handheld]
    lighting_keywords: [low key]
`

func testCatalog(t *testing.T) *genres.Catalog {
	t.Helper()
	c, err := genres.Parse([]byte(testGenreYAML))
	if err != nil {
		t.Fatalf("failed to parse test catalog: %v", err)
	}
	return c
}

func testGenre(t *testing.T) *genres.Genre {
	t.Helper()
	g, _ := testCatalog(t).Get("test_genre")
	return g
}

// scriptJSON renders a script whose scene i has visual description "shot-i".
func scriptJSON(durations ...float64) string {
	script := models.Script{Title: "The Test", Tagline: "It works", ClosingCard: models.ClosingCard{Text: "THE END"}}
	for i, d := range durations {
		script.Scenes = append(script.Scenes, models.SceneScript{
			SceneNumber:       i + 1,
			Duration:          models.Seconds(d),
			Characters:        []string{"Ana"},
			VisualDescription: fmt.Sprintf("shot-%d", i+1),
			Action:            "runs",
		})
	}
	data, _ := json.Marshal(script)
	return string(data)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeText struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeText) Generate(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}

func (f *fakeText) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJobs struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	prompts    map[string]string
	requests   []models.VideoJobRequest
	// outcome decides the polled status for a prompt; nil completes everything
	outcome func(prompt string) models.VideoJobStatus
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{prompts: make(map[string]string)}
}

func (f *fakeJobs) Submit(ctx context.Context, req models.VideoJobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}
	handle := fmt.Sprintf("job-%d", f.submits)
	f.prompts[handle] = req.Prompt
	f.requests = append(f.requests, req)
	return handle, nil
}

func (f *fakeJobs) Poll(ctx context.Context, handle string) (*models.VideoJobStatus, error) {
	f.mu.Lock()
	prompt := f.prompts[handle]
	outcome := f.outcome
	f.mu.Unlock()

	if outcome == nil {
		return &models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: "https://videos/" + handle + ".mp4"}, nil
	}
	st := outcome(prompt)
	return &st, nil
}

func (f *fakeJobs) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// failWhen fails scenes whose prompt contains marker and completes the rest.
func failWhen(marker string) func(string) models.VideoJobStatus {
	return func(prompt string) models.VideoJobStatus {
		if strings.Contains(prompt, marker) {
			return models.VideoJobStatus{State: models.JobStateFailed, Error: "content policy"}
		}
		return models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: "https://videos/ok.mp4"}
	}
}

// emptyResultWhen reports completion with no video for scenes whose prompt
// contains marker.
func emptyResultWhen(marker string) func(string) models.VideoJobStatus {
	return func(prompt string) models.VideoJobStatus {
		if strings.Contains(prompt, marker) {
			return models.VideoJobStatus{State: models.JobStateCompleted}
		}
		return models.VideoJobStatus{State: models.JobStateCompleted, VideoURL: "https://videos/ok.mp4"}
	}
}

func neverFinish(string) models.VideoJobStatus {
	return models.VideoJobStatus{State: models.JobStateRunning}
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("missing object %s", key)
	}
	return data, nil
}

func (f *fakeObjects) PublicURL(key string) string { return "https://store/" + key }

func (f *fakeObjects) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if f.fail[url] {
		return nil, fmt.Errorf("fetch %s failed", url)
	}
	return []byte("data:" + url), nil
}

type fakeEncoder struct {
	mu        sync.Mutex
	concat    []string
	mixed     []float64
	cards     []services.TextCard
	segments  []services.Segment
	failStep  string
	bodyAudio bool
}

func newFakeEncoder() *fakeEncoder { return &fakeEncoder{bodyAudio: true} }

func (f *fakeEncoder) touch(step, path string) error {
	if f.failStep == step {
		return fmt.Errorf("%s exploded", step)
	}
	return os.WriteFile(path, []byte(step), 0o644)
}

func (f *fakeEncoder) ConcatCopy(ctx context.Context, inputs []string, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.concat = append([]string(nil), inputs...)
	return f.touch("concat", out)
}

func (f *fakeEncoder) MixMusic(ctx context.Context, video, music, out string, volume float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mixed = append(f.mixed, volume)
	return f.touch("music", out)
}

func (f *fakeEncoder) RenderTextCard(ctx context.Context, card services.TextCard, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, card)
	return f.touch("card", out)
}

func (f *fakeEncoder) ConcatReencode(ctx context.Context, segments []services.Segment, w, h int, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append([]services.Segment(nil), segments...)
	return f.touch("final_encode", out)
}

func (f *fakeEncoder) Probe(ctx context.Context, path string) (*services.MediaInfo, error) {
	return &services.MediaInfo{Duration: 10, HasAudio: f.bodyAudio, HasVideo: true}, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store   *memstore.Store
	catalog *genres.Catalog
	text    *fakeText
	jobs    *fakeJobs
	objects *fakeObjects
	fetcher *fakeFetcher
	encoder *fakeEncoder
	machine *Machine
	workDir string
}

type harnessOptions struct {
	policy  ScenePolicy
	maxWait time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.maxWait == 0 {
		opts.maxWait = 2 * time.Second
	}

	h := &harness{
		store:   memstore.New(),
		catalog: testCatalog(t),
		text:    &fakeText{response: scriptJSON(5, 5, 5)},
		jobs:    newFakeJobs(),
		objects: newFakeObjects(),
		fetcher: &fakeFetcher{},
		encoder: newFakeEncoder(),
		workDir: t.TempDir(),
	}

	scenes := NewSceneOrchestrator(h.jobs, h.store, h.objects.PublicURL, SceneOptions{
		Concurrency:     2,
		PollInterval:    5 * time.Millisecond,
		MaxWait:         opts.maxWait,
		SubmitRetries:   2,
		SubmitBaseDelay: time.Millisecond,
	})

	h.machine = NewMachine(MachineConfig{
		Store:         h.store,
		Catalog:       h.catalog,
		Preprocessor:  NewPreprocessor(nil, h.objects, h.fetcher, h.store, nil),
		Synthesizer:   NewScriptSynthesizer(h.text),
		Scenes:        scenes,
		Assembler:     NewAssembler(h.encoder, h.fetcher, h.objects, h.workDir, ""),
		Policy:        opts.policy,
		WatchInterval: 10 * time.Millisecond,
	})
	return h
}

// seedProject creates a draft with the given character names, one photo each.
func (h *harness) seedProject(t *testing.T, names ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	premise := "a heist at the office"
	p := &models.Project{ID: uuid.New(), Status: models.ProjectStatusDraft, Genre: "test_genre", Language: "en", Premise: &premise}
	if err := h.store.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	for i, name := range names {
		c := &models.Character{
			ID:             uuid.New(),
			ProjectID:      p.ID,
			Name:           name,
			OriginalPhotos: []string{fmt.Sprintf("uploads/%s/0.jpg", name)},
			Position:       i,
		}
		if err := h.store.CreateCharacter(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	return p.ID
}

func (h *harness) project(t *testing.T, id uuid.UUID) *models.Project {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
