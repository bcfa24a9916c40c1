package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/friendflix/internal/models"
)

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func TestBuildMixMusicArgs(t *testing.T) {
	args := buildMixMusicArgs("body.mp4", "track.mp3", "out.mp4", 0.25)

	i := indexOf(args, "-filter_complex")
	if i < 0 {
		t.Fatal("missing -filter_complex")
	}
	want := "[1:a]volume=0.25[music];[0:a][music]amix=inputs=2:duration=shortest[aout]"
	if args[i+1] != want {
		t.Errorf("filter = %s, want %s", args[i+1], want)
	}
	if j := indexOf(args, "-c:v"); j < 0 || args[j+1] != "copy" {
		t.Errorf("expected video stream copy")
	}
	if indexOf(args, "-shortest") < 0 {
		t.Errorf("expected -shortest")
	}
}

func TestBuildTextCardArgs(t *testing.T) {
	card := TextCard{Text: "FIN", Color: "yellow", Width: 1080, Height: 1920, Seconds: 3}
	args := buildTextCardArgs(card, "/tmp/card.txt", "card.mp4")

	if indexOf(args, "-an") < 0 {
		t.Error("text card must be silent")
	}
	if j := indexOf(args, "-t"); j < 0 || args[j+1] != "3" {
		t.Errorf("expected -t 3")
	}
	src := args[indexOf(args, "-i")+1]
	if !strings.Contains(src, "s=1080x1920") {
		t.Errorf("unexpected source %s", src)
	}
	vf := args[indexOf(args, "-vf")+1]
	if !strings.Contains(vf, "fontcolor=yellow") || !strings.Contains(vf, "textfile=") {
		t.Errorf("unexpected drawtext filter %s", vf)
	}
}

func TestBuildConcatReencodeArgs(t *testing.T) {
	segments := []Segment{
		{Path: "title.mp4", Duration: 3},
		{Path: "body.mp4", Duration: 20, HasAudio: true},
		{Path: "closing.mp4", Duration: 3},
	}
	args := buildConcatReencodeArgs(segments, 1920, 1080, "final.mp4")

	inputs := 0
	for _, a := range args {
		if a == "-i" {
			inputs++
		}
	}
	if inputs != 3 {
		t.Errorf("expected 3 inputs, got %d", inputs)
	}

	filter := args[indexOf(args, "-filter_complex")+1]
	if strings.Count(filter, "anullsrc") != 2 {
		t.Errorf("expected silence for the two cards: %s", filter)
	}
	if !strings.Contains(filter, "[1:a]aresample") {
		t.Errorf("expected body audio to be kept: %s", filter)
	}
	if !strings.HasSuffix(filter, "[v0][a0][v1][a1][v2][a2]concat=n=3:v=1:a=1[vout][aout]") {
		t.Errorf("unexpected concat tail: %s", filter)
	}

	for flag, want := range map[string]string{"-c:v": "libx264", "-c:a": "aac", "-movflags": "+faststart"} {
		if j := indexOf(args, flag); j < 0 || args[j+1] != want {
			t.Errorf("expected %s %s", flag, want)
		}
	}
	if args[len(args)-1] != "final.mp4" {
		t.Errorf("output must be last")
	}
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	if err := writeConcatList(list, []string{filepath.Join(dir, "a.mp4"), filepath.Join(dir, "it's.mp4")}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(list)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `it'\''s.mp4`) {
		t.Errorf("quote not escaped: %s", lines[1])
	}
}

func TestParseProbeOutput(t *testing.T) {
	raw := `{"streams":[{"codec_type":"video"},{"codec_type":"audio"}],"format":{"duration":"10.041000"}}`
	info, err := parseProbeOutput([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !info.HasAudio || !info.HasVideo || info.Duration < 10 || info.Duration > 10.1 {
		t.Errorf("unexpected probe info %+v", info)
	}

	silent, err := parseProbeOutput([]byte(`{"streams":[{"codec_type":"video"}],"format":{"duration":"3"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if silent.HasAudio {
		t.Error("expected no audio")
	}
}

func TestVeoObjectKeyAndPrompt(t *testing.T) {
	if got := veoObjectKey("models/veo-3.1-generate-preview/operations/abc123"); got != "scenes/veo/abc123.mp4" {
		t.Errorf("unexpected key %s", got)
	}

	prompt := buildVeoPrompt(models.VideoJobRequest{
		Prompt:     "A chase",
		References: []models.ReferenceSet{{Character: "Ana"}, {Character: "Luis"}},
	})
	if !strings.HasPrefix(prompt, "A chase") || !strings.Contains(prompt, "Cast: Ana, Luis.") {
		t.Errorf("unexpected prompt %q", prompt)
	}
	if got := buildVeoPrompt(models.VideoJobRequest{Prompt: "Solo"}); got != "Solo" {
		t.Errorf("expected prompt unchanged without references, got %q", got)
	}
}
