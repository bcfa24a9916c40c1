package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/storage"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// Preprocessor removes photo backgrounds on a shared worker pool. A photo
// that fails keeps its original key, so output cardinality and order always
// match the input.
type Preprocessor struct {
	remover    BackgroundRemover // nil disables background removal
	objects    ObjectStore
	fetcher    Fetcher
	characters CharacterStore
	workerPool *ants.Pool
}

func NewPreprocessor(remover BackgroundRemover, objects ObjectStore, fetcher Fetcher, characters CharacterStore, workerPool *ants.Pool) *Preprocessor {
	return &Preprocessor{
		remover:    remover,
		objects:    objects,
		fetcher:    fetcher,
		characters: characters,
		workerPool: workerPool,
	}
}

// Process returns the characters with ProcessedPhotos populated and persisted.
func (p *Preprocessor) Process(ctx context.Context, projectID uuid.UUID, characters []models.Character) ([]models.Character, error) {
	out := make([]models.Character, len(characters))
	copy(out, characters)

	if p.remover == nil {
		log.Debug().Str("project_id", projectID.String()).Msg("[Preprocess] Background removal disabled, using originals")
		for i := range out {
			out[i].ProcessedPhotos = append([]string(nil), out[i].OriginalPhotos...)
		}
		return out, nil
	}

	var wg sync.WaitGroup
	for i := range out {
		c := &out[i]
		c.ProcessedPhotos = make([]string, len(c.OriginalPhotos))

		for j, original := range c.OriginalPhotos {
			j, original := j, original
			wg.Add(1)
			err := p.workerPool.Submit(func() {
				defer wg.Done()
				c.ProcessedPhotos[j] = p.processPhoto(ctx, projectID, c.ID, j, original)
			})
			if err != nil {
				// pool closed or overloaded; keep the original
				wg.Done()
				c.ProcessedPhotos[j] = original
				log.Warn().Err(err).Str("character_id", c.ID.String()).Msg("[Preprocess] Failed to submit photo task")
			}
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if err := p.characters.SetProcessedPhotos(ctx, c.ID, c.ProcessedPhotos); err != nil {
			return nil, fmt.Errorf("failed to save processed photos for %s: %w", c.Name, err)
		}
	}

	log.Info().Str("project_id", projectID.String()).Int("characters", len(out)).Msg("[Preprocess] Character photos processed")
	return out, nil
}

// processPhoto returns the processed key, or the original key on any failure.
func (p *Preprocessor) processPhoto(ctx context.Context, projectID, characterID uuid.UUID, index int, original string) string {
	logger := log.With().
		Str("project_id", projectID.String()).
		Str("character_id", characterID.String()).
		Int("photo", index).
		Logger()

	resultURL, err := p.remover.RemoveBackground(ctx, p.objects.PublicURL(original))
	if err != nil {
		logger.Warn().Err(err).Msg("[Preprocess] Background removal failed, keeping original")
		return original
	}

	data, err := p.fetcher.Fetch(ctx, resultURL)
	if err != nil {
		logger.Warn().Err(err).Msg("[Preprocess] Failed to download processed photo, keeping original")
		return original
	}

	key := storage.ProcessedPath(projectID, characterID, index)
	if err := p.objects.Upload(ctx, key, data, "image/png"); err != nil {
		logger.Warn().Err(err).Msg("[Preprocess] Failed to store processed photo, keeping original")
		return original
	}
	return key
}
