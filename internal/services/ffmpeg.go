package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Output constants for re-encoded segments
const (
	videoFPS        = 30
	audioSampleRate = 44100
	maxStderrTail   = 2000
)

// TextCard describes a silent full-frame text slate.
type TextCard struct {
	Text    string
	Color   string // ffmpeg color name or 0xRRGGBB
	Width   int
	Height  int
	Seconds float64
}

// Segment is one input to a re-encoding concat.
type Segment struct {
	Path     string
	Duration float64 // seconds, used to synthesize silence when HasAudio is false
	HasAudio bool
}

// MediaInfo is what ffprobe reports about a file.
type MediaInfo struct {
	Duration float64
	HasAudio bool
	HasVideo bool
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	binary  string
	ffprobe string
}

func NewFFmpegService() *FFmpegService {
	return &FFmpegService{
		binary:  "ffmpeg",
		ffprobe: "ffprobe",
	}
}

// ConcatCopy joins clips with the concat demuxer without re-encoding.
// All inputs must share codecs and dimensions.
func (s *FFmpegService) ConcatCopy(ctx context.Context, inputs []string, outputPath string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(listPath, inputs); err != nil {
		return err
	}
	defer os.Remove(listPath)

	return s.run(ctx, "concat", buildConcatCopyArgs(listPath, outputPath))
}

// MixMusic lays a looping music bed under the video's own audio. The video
// stream is copied as-is.
func (s *FFmpegService) MixMusic(ctx context.Context, videoPath, musicPath, outputPath string, volume float64) error {
	log.Debug().Str("music", musicPath).Float64("volume", volume).Msg("[FFmpeg] Mixing background music")
	return s.run(ctx, "mix_music", buildMixMusicArgs(videoPath, musicPath, outputPath, volume))
}

// MixMusicOnly uses the music as the only audio track. Used when the
// video has no audio stream for amix to blend with.
func (s *FFmpegService) MixMusicOnly(ctx context.Context, videoPath, musicPath, outputPath string, volume float64) error {
	args := []string{
		"-i", videoPath,
		"-stream_loop", "-1",
		"-i", musicPath,
		"-filter_complex", fmt.Sprintf("[1:a]volume=%s[aout]", formatFloat(volume)),
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	}
	return s.run(ctx, "mix_music", args)
}

// RenderTextCard renders a silent slate with centered text on black.
func (s *FFmpegService) RenderTextCard(ctx context.Context, card TextCard, outputPath string) error {
	// drawtext reads the text from a file so no escaping of user text is needed
	textPath := outputPath + ".txt"
	if err := os.WriteFile(textPath, []byte(card.Text), 0o644); err != nil {
		return fmt.Errorf("failed to write card text: %w", err)
	}
	defer os.Remove(textPath)

	return s.run(ctx, "text_card", buildTextCardArgs(card, textPath, outputPath))
}

// ConcatReencode joins segments of differing size or codec into one H.264/AAC
// file ready for progressive playback. Segments without audio get silence.
func (s *FFmpegService) ConcatReencode(ctx context.Context, segments []Segment, width, height int, outputPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}
	return s.run(ctx, "final_encode", buildConcatReencodeArgs(segments, width, height, outputPath))
}

// Probe reports duration and stream kinds using ffprobe.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, s.ffprobe, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeOutput(output)
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

func parseProbeOutput(output []byte) (*MediaInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	if probe.Format.Duration != "" {
		d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration: %w", err)
		}
		info.Duration = d
	}
	for _, st := range probe.Streams {
		switch st.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			info.HasVideo = true
		}
	}
	return info, nil
}

func (s *FFmpegService) run(ctx context.Context, step string, args []string) error {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > maxStderrTail {
			tail = tail[len(tail)-maxStderrTail:]
		}
		log.Debug().Str("step", step).Str("stderr", tail).Msg("[FFmpeg] Command failed")
		return fmt.Errorf("ffmpeg %s failed: %w: %s", step, err, strings.TrimSpace(tail))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Argument builders
// ---------------------------------------------------------------------------

func writeConcatList(listPath string, inputs []string) error {
	var b strings.Builder
	for _, p := range inputs {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		// concat demuxer format; single quotes inside a path are closed, escaped and reopened
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	return nil
}

func buildConcatCopyArgs(listPath, outputPath string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
}

func buildMixMusicArgs(videoPath, musicPath, outputPath string, volume float64) []string {
	filterComplex := fmt.Sprintf(
		"[1:a]volume=%s[music];[0:a][music]amix=inputs=2:duration=shortest[aout]",
		formatFloat(volume),
	)
	return []string{
		"-i", videoPath,
		"-stream_loop", "-1",
		"-i", musicPath,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	}
}

func buildTextCardArgs(card TextCard, textPath, outputPath string) []string {
	color := card.Color
	if color == "" {
		color = "white"
	}
	fontSize := card.Height / 12
	if fontSize < 24 {
		fontSize = 24
	}

	vf := fmt.Sprintf(
		"drawtext=textfile='%s':fontcolor=%s:fontsize=%d:x=(w-text_w)/2:y=(h-text_h)/2",
		escapeFFmpegFilterPath(textPath), color, fontSize,
	)

	return []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:d=%s:r=%d", card.Width, card.Height, formatFloat(card.Seconds), videoFPS),
		"-vf", vf,
		"-t", formatFloat(card.Seconds),
		"-an",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}
}

func buildConcatReencodeArgs(segments []Segment, width, height int, outputPath string) []string {
	args := make([]string, 0, len(segments)*2+20)
	for _, seg := range segments {
		args = append(args, "-i", seg.Path)
	}

	var filter strings.Builder
	var concatInputs strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&filter,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d];",
			i, width, height, width, height, videoFPS, i,
		)
		if seg.HasAudio {
			fmt.Fprintf(&filter, "[%d:a]aresample=%d,aformat=channel_layouts=stereo[a%d];", i, audioSampleRate, i)
		} else {
			fmt.Fprintf(&filter, "anullsrc=r=%d:cl=stereo,atrim=duration=%s[a%d];", audioSampleRate, formatFloat(seg.Duration), i)
		}
		fmt.Fprintf(&concatInputs, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "%sconcat=n=%d:v=1:a=1[vout][aout]", concatInputs.String(), len(segments))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
	return args
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
