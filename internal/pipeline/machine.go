package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrScenesIncomplete fails a project under the all-scenes policy.
var ErrScenesIncomplete = errors.New("one or more scenes failed")

const (
	minCharacters        = 2
	defaultWatchInterval = 10 * time.Second
	failWriteTimeout     = 10 * time.Second
)

// Machine owns project status. Every write is a compare-and-set from the
// status the run expects, so a lagging run can never overwrite a cancelled
// project.
type Machine struct {
	store         ProjectStore
	catalog       *genres.Catalog
	preprocessor  *Preprocessor
	synthesizer   *ScriptSynthesizer
	scenes        *SceneOrchestrator
	assembler     *Assembler
	policy        ScenePolicy
	watchInterval time.Duration
}

// MachineConfig groups the Machine's collaborators.
type MachineConfig struct {
	Store         ProjectStore
	Catalog       *genres.Catalog
	Preprocessor  *Preprocessor
	Synthesizer   *ScriptSynthesizer
	Scenes        *SceneOrchestrator
	Assembler     *Assembler
	Policy        ScenePolicy
	WatchInterval time.Duration
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Policy == "" {
		cfg.Policy = ScenePolicyAny
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	return &Machine{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		preprocessor:  cfg.Preprocessor,
		synthesizer:   cfg.Synthesizer,
		scenes:        cfg.Scenes,
		assembler:     cfg.Assembler,
		policy:        cfg.Policy,
		watchInterval: cfg.WatchInterval,
	}
}

// Claim validates a draft and moves it to generating_script. Exactly one of
// any number of concurrent claims succeeds; the others get a
// StateConflictError. A project that fails validation stays a draft.
func (m *Machine) Claim(ctx context.Context, projectID uuid.UUID) error {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectStatusDraft {
		return &errs.StateConflictError{
			ProjectID: projectID,
			Expected:  string(models.ProjectStatusDraft),
			Actual:    string(project.Status),
		}
	}

	if _, ok := m.catalog.Get(project.Genre); !ok {
		return errs.Validation("genre", fmt.Sprintf("unknown genre %q", project.Genre))
	}

	characters, err := m.store.ListCharacters(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list characters: %w", err)
	}
	if err := validateCharacters(characters); err != nil {
		return err
	}

	return m.store.TransitionProject(ctx, projectID, models.ProjectStatusDraft, models.ProjectStatusGeneratingScript)
}

func validateCharacters(characters []models.Character) error {
	if len(characters) < minCharacters {
		return errs.Validation("characters", fmt.Sprintf("at least %d characters required, got %d", minCharacters, len(characters)))
	}
	for _, c := range characters {
		if len(c.OriginalPhotos) == 0 {
			return errs.Validation("characters", fmt.Sprintf("character %q has no photos", c.Name))
		}
	}
	return nil
}

// Cancel fails a non-terminal project with code cancelled.
func (m *Machine) Cancel(ctx context.Context, projectID uuid.UUID) error {
	return m.store.FailProject(ctx, projectID, CodeCancelled, "cancelled by user")
}

// Fail records a terminal failure unless the project is already terminal.
func (m *Machine) Fail(ctx context.Context, projectID uuid.UUID, code, message string) error {
	return m.store.FailProject(ctx, projectID, code, message)
}

// Run drives a claimed project to complete or failed. A project that is not
// in generating_script is left untouched and a StateConflictError returned,
// so a duplicate dispatch cannot disturb a run owned by another process.
func (m *Machine) Run(ctx context.Context, projectID uuid.UUID) error {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectStatusGeneratingScript {
		return &errs.StateConflictError{
			ProjectID: projectID,
			Expected:  string(models.ProjectStatusGeneratingScript),
			Actual:    string(project.Status),
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.watch(ctx, cancel, projectID)

	if err := m.run(ctx, project); err != nil {
		m.recordFailure(ctx, projectID, err)
		return err
	}
	return nil
}

func (m *Machine) run(ctx context.Context, project *models.Project) error {
	projectID := project.ID
	logger := log.With().Str("project_id", projectID.String()).Logger()

	genre, ok := m.catalog.Get(project.Genre)
	if !ok {
		return errs.Validation("genre", fmt.Sprintf("unknown genre %q", project.Genre))
	}

	characters, err := m.store.ListCharacters(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list characters: %w", err)
	}
	if err := validateCharacters(characters); err != nil {
		return err
	}

	// Stage 1: character photos
	logger.Info().Int("characters", len(characters)).Msg("[Pipeline] Preprocessing characters")
	characters, err = m.preprocessor.Process(ctx, projectID, characters)
	if err != nil {
		return fmt.Errorf("preprocessing failed: %w", err)
	}

	// Stage 2: script
	names := make([]string, len(characters))
	for i, c := range characters {
		names[i] = c.Name
	}
	premise := ""
	if project.Premise != nil {
		premise = *project.Premise
	}

	logger.Info().Str("genre", genre.ID).Msg("[Pipeline] Synthesizing script")
	script, err := m.synthesizer.Synthesize(ctx, genre, names, premise)
	if err != nil {
		return err
	}
	if err := m.store.SetProjectScript(ctx, projectID, script); err != nil {
		return fmt.Errorf("failed to save script: %w", err)
	}

	// Stage 3: scene rows and status move together
	rows := m.scenes.Prepare(projectID, script)
	if err := m.store.BeginSceneGeneration(ctx, projectID, rows); err != nil {
		return fmt.Errorf("failed to begin scene generation: %w", err)
	}

	// Stage 4: scenes
	logger.Info().Int("scenes", len(rows)).Msg("[Pipeline] Generating scenes")
	results := m.scenes.Run(ctx, genre, script, rows, characters)
	if err := ctx.Err(); err != nil {
		return err
	}

	completed := 0
	for _, r := range results {
		if r.Succeeded() {
			completed++
		}
	}
	logger.Info().Int("completed", completed).Int("total", len(results)).Msg("[Pipeline] Scenes settled")

	if completed == 0 {
		return errs.ErrNoCompletedScenes
	}
	if m.policy == ScenePolicyAll && completed < len(results) {
		return fmt.Errorf("%d of %d scenes failed: %w", len(results)-completed, len(results), ErrScenesIncomplete)
	}

	// Stage 5: assembly
	if err := m.store.TransitionProject(ctx, projectID, models.ProjectStatusGeneratingScenes, models.ProjectStatusAssembling); err != nil {
		return err
	}

	stored, err := m.store.ListScenes(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}
	done := make([]models.Scene, 0, completed)
	for _, sc := range stored {
		if sc.Status == models.SceneStatusComplete {
			done = append(done, sc)
		}
	}

	logger.Info().Int("scenes", len(done)).Msg("[Pipeline] Assembling trailer")
	outputRef, err := m.assembler.Assemble(ctx, project, genre, script, done)
	if err != nil {
		return err
	}

	// Stage 6: complete
	if err := m.store.CompleteProject(ctx, projectID, outputRef); err != nil {
		return err
	}

	logger.Info().Str("output_ref", outputRef).Msg("[Pipeline] Project complete")
	return nil
}

// recordFailure persists failed with a code derived from err. A project that
// is already terminal keeps its status.
func (m *Machine) recordFailure(ctx context.Context, projectID uuid.UUID, runErr error) {
	code := FailureCode(runErr)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	err := m.store.FailProject(writeCtx, projectID, code, runErr.Error())
	var conflict *errs.StateConflictError
	switch {
	case err == nil:
		log.Warn().Err(runErr).Str("project_id", projectID.String()).Str("code", code).Msg("[Pipeline] Project failed")
	case errors.As(err, &conflict):
		log.Info().Err(runErr).Str("project_id", projectID.String()).Msg("[Pipeline] Run stopped, project already terminal")
	default:
		log.Error().Err(err).Str("project_id", projectID.String()).Msg("[Pipeline] Failed to record project failure")
	}
}

// FailureCode maps a run error to the persisted error code.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrScenesIncomplete):
		return CodeScenesIncomplete
	}
	return errs.Code(err)
}

// watch cancels the run when the project turns terminal elsewhere, for
// example a cancel served by another process.
func (m *Machine) watch(ctx context.Context, cancel context.CancelFunc, projectID uuid.UUID) {
	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		project, err := m.store.GetProject(ctx, projectID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("project_id", projectID.String()).Msg("[Pipeline] Watchdog failed to read project")
			}
			continue
		}
		if project.Status.IsTerminal() {
			log.Info().Str("project_id", projectID.String()).Str("status", string(project.Status)).Msg("[Pipeline] Project turned terminal, stopping run")
			cancel()
			return
		}
	}
}
