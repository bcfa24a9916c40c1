package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/models"
	"github.com/bobarin/friendflix/internal/services"
	"github.com/bobarin/friendflix/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	cardSeconds       = 3.0
	musicVolume       = 0.25
	defaultClosingTxt = "FIN"
	closingCardColor  = "white"
)

// Assembler turns completed scene videos into the final trailer:
// title card, scenes with a music bed, closing card.
type Assembler struct {
	encoder  Encoder
	fetcher  Fetcher
	objects  ObjectStore
	workDir  string
	musicDir string
}

func NewAssembler(encoder Encoder, fetcher Fetcher, objects ObjectStore, workDir, musicDir string) *Assembler {
	return &Assembler{
		encoder:  encoder,
		fetcher:  fetcher,
		objects:  objects,
		workDir:  workDir,
		musicDir: musicDir,
	}
}

// Assemble builds and uploads the trailer and returns its storage key.
// Only completed scenes are passed in. The local work directory is removed
// whatever the outcome.
func (a *Assembler) Assemble(ctx context.Context, project *models.Project, genre *genres.Genre, script *models.Script, scenes []models.Scene) (string, error) {
	if len(scenes) == 0 {
		return "", errs.ErrNoCompletedScenes
	}

	logger := log.With().Str("project_id", project.ID.String()).Logger()

	dir := filepath.Join(a.workDir, project.ID.String())
	sceneDir := filepath.Join(dir, "scenes")
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		return "", &errs.AssemblyError{Step: "prepare", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Msg("[Assembly] Failed to remove work dir")
		}
	}()

	// 1. order
	ordered := append([]models.Scene(nil), scenes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	// 2. download
	clips := make([]string, 0, len(ordered))
	for _, sc := range ordered {
		if sc.VideoRef == nil || *sc.VideoRef == "" {
			return "", &errs.AssemblyError{Step: "download", Err: fmt.Errorf("scene %d has no video", sc.Position)}
		}
		data, err := a.fetch(ctx, *sc.VideoRef)
		if err != nil {
			return "", &errs.AssemblyError{Step: "download", Err: fmt.Errorf("scene %d: %w", sc.Position, err)}
		}
		path := filepath.Join(sceneDir, fmt.Sprintf("scene_%d.mp4", sc.Position))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", &errs.AssemblyError{Step: "download", Err: err}
		}
		clips = append(clips, path)
	}
	logger.Info().Int("scenes", len(clips)).Msg("[Assembly] Scene videos downloaded")

	// 3. concat
	body := filepath.Join(dir, "body.mp4")
	if err := a.encoder.ConcatCopy(ctx, clips, body); err != nil {
		return "", &errs.AssemblyError{Step: "concat", Err: err}
	}

	// 4. music
	body, err := a.mixMusic(ctx, genre, dir, body)
	if err != nil {
		return "", &errs.AssemblyError{Step: "music", Err: err}
	}

	// 5-6. cards
	width, height := genre.FrameSize()
	titleText := genre.TitleCard.Text
	if titleText == "" {
		titleText = genre.Name
	}
	title := filepath.Join(dir, "title.mp4")
	if err := a.encoder.RenderTextCard(ctx, services.TextCard{
		Text: titleText, Color: genre.TitleCard.Color, Width: width, Height: height, Seconds: cardSeconds,
	}, title); err != nil {
		return "", &errs.AssemblyError{Step: "title_card", Err: err}
	}

	closingText := defaultClosingTxt
	if script != nil && strings.TrimSpace(script.ClosingCard.Text) != "" {
		closingText = script.ClosingCard.Text
	}
	closing := filepath.Join(dir, "closing.mp4")
	if err := a.encoder.RenderTextCard(ctx, services.TextCard{
		Text: closingText, Color: closingCardColor, Width: width, Height: height, Seconds: cardSeconds,
	}, closing); err != nil {
		return "", &errs.AssemblyError{Step: "closing_card", Err: err}
	}

	// 7. final encode
	bodyInfo, err := a.encoder.Probe(ctx, body)
	if err != nil {
		return "", &errs.AssemblyError{Step: "final_encode", Err: err}
	}
	final := filepath.Join(dir, "trailer.mp4")
	segments := []services.Segment{
		{Path: title, Duration: cardSeconds},
		{Path: body, Duration: bodyInfo.Duration, HasAudio: bodyInfo.HasAudio},
		{Path: closing, Duration: cardSeconds},
	}
	if err := a.encoder.ConcatReencode(ctx, segments, width, height, final); err != nil {
		return "", &errs.AssemblyError{Step: "final_encode", Err: err}
	}

	// 8. upload
	data, err := os.ReadFile(final)
	if err != nil {
		return "", &errs.AssemblyError{Step: "upload", Err: err}
	}
	key := storage.OutputPath(project.ID)
	if err := a.objects.Upload(ctx, key, data, "video/mp4"); err != nil {
		return "", &errs.AssemblyError{Step: "upload", Err: err}
	}

	logger.Info().Str("output_ref", key).Int("bytes", len(data)).Msg("[Assembly] Trailer stored")
	return key, nil
}

// fetch accepts either a URL or a storage key.
func (a *Assembler) fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return a.fetcher.Fetch(ctx, ref)
	}
	return a.objects.Download(ctx, ref)
}

// mixMusic returns the path of the body with music, or the input path when
// the genre's track is not available.
func (a *Assembler) mixMusic(ctx context.Context, genre *genres.Genre, dir, body string) (string, error) {
	if genre.MusicTrack == "" || a.musicDir == "" {
		return body, nil
	}
	track := filepath.Join(a.musicDir, genre.MusicTrack)
	if _, err := os.Stat(track); err != nil {
		log.Info().Str("track", track).Msg("[Assembly] Music track not found, skipping mix")
		return body, nil
	}

	info, err := a.encoder.Probe(ctx, body)
	if err != nil {
		return "", err
	}

	out := filepath.Join(dir, "body_music.mp4")
	if info.HasAudio {
		err = a.encoder.MixMusic(ctx, body, track, out, musicVolume)
	} else if mo, ok := a.encoder.(musicOnlyMixer); ok {
		err = mo.MixMusicOnly(ctx, body, track, out, musicVolume)
	} else {
		return body, nil
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

// musicOnlyMixer is implemented by encoders that can add a music track to a
// silent video.
type musicOnlyMixer interface {
	MixMusicOnly(ctx context.Context, videoPath, musicPath, outputPath string, volume float64) error
}
