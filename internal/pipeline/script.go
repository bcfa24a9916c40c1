package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/rs/zerolog/log"
)

const maxRawLogLen = 2000

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// QuantizeDuration snaps a scene duration to the two lengths video
// providers accept.
func QuantizeDuration(d float64) int {
	if d >= 8 {
		return 10
	}
	return 5
}

// ScriptSynthesizer turns a genre, a cast and an optional premise into a
// validated script.
type ScriptSynthesizer struct {
	text TextGenerator
}

func NewScriptSynthesizer(text TextGenerator) *ScriptSynthesizer {
	return &ScriptSynthesizer{text: text}
}

// Synthesize validates its inputs before any external call, then asks the
// text model for a script and normalizes it to the genre.
func (s *ScriptSynthesizer) Synthesize(ctx context.Context, genre *genres.Genre, characterNames []string, premise string) (*models.Script, error) {
	if genre == nil {
		return nil, errs.Validation("genre", "unknown genre")
	}
	if len(characterNames) < 2 {
		return nil, errs.Validation("characters", fmt.Sprintf("at least 2 characters required, got %d", len(characterNames)))
	}

	system := buildScriptSystemPrompt(genre)
	user := buildScriptUserPrompt(genre, characterNames, premise)

	raw, err := s.text.Generate(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("script generation failed: %w", err)
	}

	script, err := ParseScript(raw, genre, characterNames)
	if err != nil {
		if len(raw) > maxRawLogLen {
			raw = raw[:maxRawLogLen] + "..."
		}
		log.Warn().Err(err).Str("genre", genre.ID).Str("raw", raw).Msg("[Script] Rejected model output")
		return nil, err
	}

	log.Info().
		Str("genre", genre.ID).
		Str("title", script.Title).
		Int("scenes", len(script.Scenes)).
		Msg("[Script] Script synthesized")
	return script, nil
}

// ParseScript decodes raw model output and normalizes it: at most
// genre.SceneCount scenes, padded from the unused narrative arc when short,
// sequential scene numbers and quantized durations.
func ParseScript(raw string, genre *genres.Genre, roster []string) (*models.Script, error) {
	text := strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var script models.Script
	if err := json.Unmarshal([]byte(text), &script); err != nil {
		return nil, &errs.InvalidScriptError{Reason: "malformed JSON", Err: err}
	}
	if strings.TrimSpace(script.Title) == "" {
		return nil, &errs.InvalidScriptError{Reason: "missing title"}
	}
	if len(script.Scenes) == 0 {
		return nil, &errs.InvalidScriptError{Reason: "missing or empty scenes"}
	}

	if len(script.Scenes) > genre.SceneCount {
		script.Scenes = script.Scenes[:genre.SceneCount]
	}
	for i := len(script.Scenes); i < genre.SceneCount; i++ {
		script.Scenes = append(script.Scenes, paddingScene(genre, roster, i))
	}

	for i := range script.Scenes {
		sc := &script.Scenes[i]
		sc.SceneNumber = i + 1
		sc.Duration = models.Seconds(QuantizeDuration(float64(sc.Duration)))
		if sc.Characters == nil {
			sc.Characters = []string{}
		}
	}

	return &script, nil
}

// paddingScene fills a missing beat with the arc label at that index.
func paddingScene(genre *genres.Genre, roster []string, index int) models.SceneScript {
	beat := "closing beat"
	if index < len(genre.NarrativeArc) {
		beat = strings.ReplaceAll(genre.NarrativeArc[index], "_", " ")
	}

	camera := ""
	if len(genre.CameraKeywords) > 0 {
		camera = genre.CameraKeywords[index%len(genre.CameraKeywords)]
	}
	lighting := ""
	if len(genre.LightingKeywords) > 0 {
		lighting = genre.LightingKeywords[index%len(genre.LightingKeywords)]
	}

	duration := 5.0
	if genre.SceneCount > 0 {
		duration = float64(genre.TotalDuration) / float64(genre.SceneCount)
	}

	return models.SceneScript{
		Duration:          models.Seconds(duration),
		Characters:        append([]string{}, roster...),
		VisualDescription: fmt.Sprintf("%s: %s", beat, genre.VisualStyle),
		CameraMovement:    camera,
		Lighting:          lighting,
		Action:            beat,
	}
}

func buildScriptSystemPrompt(genre *genres.Genre) string {
	return fmt.Sprintf(`You are an expert film director and screenwriter who writes short trailers.
Write a scene-by-scene script for a %d second trailer.

RULES:
- Exactly %d scenes
- Every scene has a visual description, character action, dialogue (when it fits), camera movement and atmosphere
- The characters are real people. Use their names
- Base visual style: %s
- Dialogue language: %s
- The narrative follows this arc: %s
- Suggested camera work: %s
- Suggested lighting: %s
- Prefer single-character scenes when possible
- For two-character scenes describe the spatial layout ("X on the left, Y on the right")
- Scene durations must be 5 or 10 seconds only

OUTPUT FORMAT (strict JSON object, no markdown):
{
  "title": "trailer title",
  "tagline": "short tagline",
  "scenes": [
    {
      "sceneNumber": 1,
      "duration": 5,
      "characters": ["name1"],
      "visualDescription": "detailed description of what is on screen",
      "cameraMovement": "camera movement",
      "lighting": "lighting description",
      "action": "what the characters do",
      "dialogue": { "speaker": "name", "tone": "tone", "language": "language", "text": "line" },
      "atmosphere": "ambient sound and music",
      "textOverlay": null
    }
  ],
  "closingCard": { "text": "closing text", "style": "visual style" }
}

Use null for dialogue when a scene has none. Respond ONLY with the JSON object.`,
		genre.TotalDuration,
		genre.SceneCount,
		genre.VisualStyle,
		genre.DialogueLanguage,
		strings.Join(genre.NarrativeArc, " -> "),
		strings.Join(genre.CameraKeywords, ", "),
		strings.Join(genre.LightingKeywords, ", "),
	)
}

func buildScriptUserPrompt(genre *genres.Genre, names []string, premise string) string {
	var b strings.Builder
	b.WriteString("Available characters:\n")
	for i, name := range names {
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	fmt.Fprintf(&b, "\nGenre: %s (%s)\nGenre description: %s\n\n", genre.Name, genre.Subtitle, genre.Description)
	if strings.TrimSpace(premise) != "" {
		fmt.Fprintf(&b, "User premise: %s\n\n", premise)
	} else {
		b.WriteString("Invent a fun, original premise that fits the genre.\n\n")
	}
	b.WriteString("Write the full script in the JSON format above. Be cinematic and give every character at least 2 leading scenes.")
	return b.String()
}
