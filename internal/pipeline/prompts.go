package pipeline

import (
	"fmt"
	"strings"

	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
)

const (
	summaryMaxChars  = 100
	maxAuxiliaryRefs = 3
	negativePrompt   = "blurry, low quality, text, watermark, logo, distorted faces, artifacts"
)

// BuildScenePrompt composes the provider prompt for one scene. Empty parts
// are skipped.
func BuildScenePrompt(genre *genres.Genre, scene models.SceneScript) string {
	parts := []string{
		genre.VisualStyle,
		scene.Lighting,
		scene.VisualDescription,
		scene.Action,
	}

	if len(scene.Characters) > 0 {
		parts = append(parts, "Characters in scene: "+strings.Join(scene.Characters, ", "))
	}

	if d := scene.Dialogue; d != nil && strings.TrimSpace(d.Text) != "" {
		parts = append(parts, fmt.Sprintf("%s (%s, %s): %q", d.Speaker, d.Tone, d.Language, d.Text))
	}

	parts = append(parts, scene.Atmosphere)
	if scene.CameraMovement != "" {
		parts = append(parts, "Camera: "+scene.CameraMovement)
	}

	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ". ")
}

// PromptSummary is the human-readable label stored on the scene row.
func PromptSummary(number int, visualDescription string) string {
	desc := []rune(visualDescription)
	if len(desc) > summaryMaxChars {
		desc = desc[:summaryMaxChars]
	}
	return fmt.Sprintf("Scene %d: %s", number, string(desc))
}

// ResolveReferences maps the names a scene mentions onto uploaded characters,
// exact name first, then case-insensitive. Unknown names and characters
// without photos are skipped. photoURL turns a storage key into a URL the
// provider can fetch.
func ResolveReferences(names []string, characters []models.Character, forceOriginal bool, photoURL func(string) string) []models.ReferenceSet {
	refs := make([]models.ReferenceSet, 0, len(names))
	seen := make(map[int]bool, len(names))

	for _, name := range names {
		idx := findCharacter(name, characters)
		if idx < 0 || seen[idx] {
			continue
		}
		seen[idx] = true

		photos := characters[idx].ReferencePhotos(forceOriginal)
		if len(photos) == 0 {
			continue
		}

		set := models.ReferenceSet{
			Character: characters[idx].Name,
			Primary:   photoURL(photos[0]),
		}
		for _, key := range photos[1:] {
			if len(set.Auxiliary) == maxAuxiliaryRefs {
				break
			}
			set.Auxiliary = append(set.Auxiliary, photoURL(key))
		}
		refs = append(refs, set)
	}
	return refs
}

func findCharacter(name string, characters []models.Character) int {
	name = strings.TrimSpace(name)
	for i, c := range characters {
		if c.Name == name {
			return i
		}
	}
	for i, c := range characters {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// BuildVideoJobRequest assembles the provider request for one scene.
func BuildVideoJobRequest(genre *genres.Genre, scene models.SceneScript, refs []models.ReferenceSet) models.VideoJobRequest {
	return models.VideoJobRequest{
		Prompt:          BuildScenePrompt(genre, scene),
		NegativePrompt:  negativePrompt,
		DurationSeconds: QuantizeDuration(float64(scene.Duration)),
		AspectRatio:     genre.AspectRatio,
		GenerateAudio:   scene.Dialogue != nil && strings.TrimSpace(scene.Dialogue.Text) != "",
		References:      refs,
	}
}
