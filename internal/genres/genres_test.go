package genres

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("failed to load default catalog: %v", err)
	}

	for _, id := range []string{"action_thriller", "mockumentary", "comedy"} {
		g, ok := c.Get(id)
		if !ok {
			t.Fatalf("expected genre %s", id)
		}
		if g.SceneCount != 7 {
			t.Errorf("%s: expected 7 scenes, got %d", id, g.SceneCount)
		}
		if len(g.NarrativeArc) != g.SceneCount {
			t.Errorf("%s: narrative arc has %d labels, want %d", id, len(g.NarrativeArc), g.SceneCount)
		}
		if g.TitleCard.Text == "" || g.MusicTrack == "" {
			t.Errorf("%s: missing title card or music track", id)
		}
	}

	if _, ok := c.Get("western"); ok {
		t.Error("expected unknown genre lookup to fail")
	}

	all := c.All()
	if len(all) != 3 || all[0].ID != "action_thriller" {
		t.Errorf("unexpected ordering: %v", all)
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		aspect string
		w, h   int
	}{
		{"16:9", 1920, 1080},
		{"9:16", 1080, 1920},
		{"1:1", 1080, 1080},
	}
	for _, tt := range tests {
		g := Genre{AspectRatio: tt.aspect}
		w, h := g.FrameSize()
		if w != tt.w || h != tt.h {
			t.Errorf("%s: got %dx%d, want %dx%d", tt.aspect, w, h, tt.w, tt.h)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genres.yaml")
	data := []byte(`
genres:
  - id: noir
    name: Noir
    scene_count: 3
    narrative_arc: [setup, twist, end]
    music_track: noir.mp3
    title_card:
      text: "MEDIANOCHE"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	g, ok := c.Get("noir")
	if !ok {
		t.Fatal("expected noir genre")
	}
	if g.AspectRatio != "16:9" {
		t.Errorf("expected default aspect 16:9, got %s", g.AspectRatio)
	}
	if g.TitleCard.Color != "white" {
		t.Errorf("expected default title color white, got %s", g.TitleCard.Color)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":        `genres: []`,
		"no id":        "genres:\n  - scene_count: 3\n",
		"zero scenes":  "genres:\n  - id: x\n    scene_count: 0\n",
		"bad aspect":   "genres:\n  - id: x\n    scene_count: 1\n    aspect_ratio: \"4:3\"\n",
		"duplicate id": "genres:\n  - id: x\n    scene_count: 1\n  - id: x\n    scene_count: 1\n",
		"not yaml":     "genres: [",
	}
	for name, data := range tests {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
