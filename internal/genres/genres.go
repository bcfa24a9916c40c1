package genres

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed genres.yaml
var defaultCatalog []byte

type TitleCard struct {
	Text  string `yaml:"text" json:"text"`
	Style string `yaml:"style" json:"style"`
	Color string `yaml:"color" json:"color"`
}

// Genre is a fixed configuration bundle selected per project.
type Genre struct {
	ID               string    `yaml:"id" json:"id"`
	Name             string    `yaml:"name" json:"name"`
	Subtitle         string    `yaml:"subtitle" json:"subtitle"`
	Description      string    `yaml:"description" json:"description"`
	SceneCount       int       `yaml:"scene_count" json:"scene_count"`
	TotalDuration    int       `yaml:"total_duration" json:"total_duration"`
	VisualStyle      string    `yaml:"visual_style" json:"visual_style"`
	NarrativeArc     []string  `yaml:"narrative_arc" json:"narrative_arc"`
	MusicTrack       string    `yaml:"music_track" json:"music_track"`
	TitleCard        TitleCard `yaml:"title_card" json:"title_card"`
	AspectRatio      string    `yaml:"aspect_ratio" json:"aspect_ratio"`
	DialogueLanguage string    `yaml:"dialogue_language" json:"dialogue_language"`
	CameraKeywords   []string  `yaml:"camera_keywords" json:"camera_keywords"`
	LightingKeywords []string  `yaml:"lighting_keywords" json:"lighting_keywords"`
}

// FrameSize returns the card resolution matching the genre's aspect ratio.
func (g *Genre) FrameSize() (width, height int) {
	switch g.AspectRatio {
	case "9:16":
		return 1080, 1920
	case "1:1":
		return 1080, 1080
	default:
		return 1920, 1080
	}
}

type catalogFile struct {
	Genres []Genre `yaml:"genres"`
}

// Catalog is an immutable lookup of genre definitions by id.
type Catalog struct {
	byID map[string]*Genre
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read genres file %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse genres: %w", err)
	}

	c := &Catalog{byID: make(map[string]*Genre, len(f.Genres))}
	for i := range f.Genres {
		g := f.Genres[i]
		if err := validate(&g); err != nil {
			return nil, err
		}
		if _, dup := c.byID[g.ID]; dup {
			return nil, fmt.Errorf("duplicate genre id %q", g.ID)
		}
		c.byID[g.ID] = &g
	}
	if len(c.byID) == 0 {
		return nil, fmt.Errorf("genre catalog is empty")
	}
	return c, nil
}

func validate(g *Genre) error {
	if g.ID == "" {
		return fmt.Errorf("genre without id")
	}
	if g.SceneCount <= 0 {
		return fmt.Errorf("genre %s: scene_count must be positive", g.ID)
	}
	switch g.AspectRatio {
	case "16:9", "9:16", "1:1":
	case "":
		g.AspectRatio = "16:9"
	default:
		return fmt.Errorf("genre %s: unsupported aspect_ratio %q", g.ID, g.AspectRatio)
	}
	if g.TitleCard.Color == "" {
		g.TitleCard.Color = "white"
	}
	return nil
}

// Get returns the genre with the given id.
func (c *Catalog) Get(id string) (*Genre, bool) {
	g, ok := c.byID[id]
	return g, ok
}

// All returns every genre sorted by id.
func (c *Catalog) All() []Genre {
	out := make([]Genre, 0, len(c.byID))
	for _, g := range c.byID {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
