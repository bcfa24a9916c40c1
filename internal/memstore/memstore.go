// Package memstore is an in-memory project store with the same
// compare-and-set semantics as the Postgres store. It backs dev mode when no
// DATABASE_URL is configured.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu         sync.RWMutex
	projects   map[uuid.UUID]*models.Project
	characters map[uuid.UUID]*models.Character
	scenes     map[uuid.UUID]*models.Scene
	now        func() time.Time
}

func New() *Store {
	return &Store{
		projects:   make(map[uuid.UUID]*models.Project),
		characters: make(map[uuid.UUID]*models.Character),
		scenes:     make(map[uuid.UUID]*models.Scene),
		now:        time.Now,
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, errs.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListStaleProjects(_ context.Context, statuses []models.ProjectStatus, before time.Time) ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.ProjectStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []models.Project
	for _, p := range s.projects {
		if want[p.Status] && p.UpdatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) TransitionProject(_ context.Context, id uuid.UUID, from, to models.ProjectStatus) error {
	if !from.CanTransition(to) || to == models.ProjectStatusComplete {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.expect(id, from)
	if err != nil {
		return err
	}
	p.Status = to
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetProjectScript(_ context.Context, id uuid.UUID, script *models.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.expect(id, models.ProjectStatusGeneratingScript)
	if err != nil {
		return err
	}
	cp := *script
	p.Script = &cp
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) CompleteProject(_ context.Context, id uuid.UUID, outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.expect(id, models.ProjectStatusAssembling)
	if err != nil {
		return err
	}
	p.Status = models.ProjectStatusComplete
	p.OutputRef = &outputRef
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) FailProject(_ context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, errs.ErrNotFound)
	}
	if p.Status.IsTerminal() {
		return &errs.StateConflictError{ProjectID: id, Expected: "non-terminal", Actual: string(p.Status)}
	}
	p.Status = models.ProjectStatusFailed
	p.ErrorCode = &errorCode
	p.ErrorMessage = &errorMessage
	p.UpdatedAt = s.now()
	return nil
}

// expect returns the stored project if it is in status want. Callers hold the write lock.
func (s *Store) expect(id uuid.UUID, want models.ProjectStatus) (*models.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, errs.ErrNotFound)
	}
	if p.Status != want {
		return nil, &errs.StateConflictError{ProjectID: id, Expected: string(want), Actual: string(p.Status)}
	}
	return p, nil
}

func (s *Store) CreateCharacter(_ context.Context, c *models.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.expect(c.ProjectID, models.ProjectStatusDraft); err != nil {
		return err
	}
	c.CreatedAt = s.now()
	c.ProcessedPhotos = []string{}
	cp := *c
	cp.OriginalPhotos = append([]string(nil), c.OriginalPhotos...)
	cp.ProcessedPhotos = []string{}
	s.characters[c.ID] = &cp
	return nil
}

func (s *Store) ListCharacters(_ context.Context, projectID uuid.UUID) ([]models.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Character{}
	for _, c := range s.characters {
		if c.ProjectID == projectID {
			cp := *c
			cp.OriginalPhotos = append([]string(nil), c.OriginalPhotos...)
			cp.ProcessedPhotos = append([]string{}, c.ProcessedPhotos...)
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SetProcessedPhotos(_ context.Context, characterID uuid.UUID, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.characters[characterID]
	if !ok {
		return fmt.Errorf("character %s: %w", characterID, errs.ErrNotFound)
	}
	c.ProcessedPhotos = append([]string(nil), refs...)
	return nil
}

func (s *Store) BeginSceneGeneration(_ context.Context, projectID uuid.UUID, scenes []*models.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.expect(projectID, models.ProjectStatusGeneratingScript)
	if err != nil {
		return err
	}

	seen := make(map[int]bool, len(scenes))
	for _, sc := range scenes {
		if seen[sc.Position] {
			return fmt.Errorf("duplicate scene position %d", sc.Position)
		}
		seen[sc.Position] = true
	}

	now := s.now()
	for _, sc := range scenes {
		sc.ProjectID = projectID
		sc.CreatedAt, sc.UpdatedAt = now, now
		cp := *sc
		s.scenes[sc.ID] = &cp
	}
	p.Status = models.ProjectStatusGeneratingScenes
	p.UpdatedAt = now
	return nil
}

func (s *Store) ListScenes(_ context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Scene{}
	for _, sc := range s.scenes {
		if sc.ProjectID == projectID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetScene(_ context.Context, id uuid.UUID) (*models.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scenes[id]
	if !ok {
		return nil, fmt.Errorf("scene %s: %w", id, errs.ErrNotFound)
	}
	cp := *sc
	return &cp, nil
}

func (s *Store) MarkSceneSubmitted(_ context.Context, id uuid.UUID, jobHandle string) error {
	return s.updateScene(id, func(sc *models.Scene) {
		sc.Status = models.SceneStatusGenerating
		sc.JobHandle = &jobHandle
	})
}

func (s *Store) IncrementSceneRetry(_ context.Context, id uuid.UUID) error {
	return s.updateScene(id, func(sc *models.Scene) {
		sc.RetryCount++
	})
}

func (s *Store) CompleteScene(_ context.Context, id uuid.UUID, videoRef string) error {
	return s.updateScene(id, func(sc *models.Scene) {
		sc.Status = models.SceneStatusComplete
		sc.VideoRef = &videoRef
		sc.ErrorMessage = nil
	})
}

func (s *Store) FailScene(_ context.Context, id uuid.UUID, reason string) error {
	return s.updateScene(id, func(sc *models.Scene) {
		sc.Status = models.SceneStatusFailed
		sc.ErrorMessage = &reason
	})
}

func (s *Store) updateScene(id uuid.UUID, fn func(*models.Scene)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[id]
	if !ok {
		return fmt.Errorf("scene %s: %w", id, errs.ErrNotFound)
	}
	fn(sc)
	sc.UpdatedAt = s.now()
	return nil
}
