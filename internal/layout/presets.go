package layout

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

type Preset struct {
	Name   string  `yaml:"name" json:"name"`
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// Presets returns the built-in print sizes in file order.
func Presets() ([]Preset, error) {
	var f presetFile
	if err := yaml.Unmarshal(presetsYAML, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	return f.Presets, nil
}

// LookupPreset finds a preset by name ("10x8", case and spaces ignored).
func LookupPreset(name string) (Preset, bool) {
	presets, err := Presets()
	if err != nil {
		return Preset{}, false
	}
	key := strings.ReplaceAll(strings.ToLower(name), " ", "")
	for _, p := range presets {
		if p.Name == key {
			return p, true
		}
	}
	return Preset{}, false
}

// Apply copies the preset's physical size onto cfg.
func (p Preset) Apply(cfg Config) Config {
	cfg.Width = p.Width
	cfg.Height = p.Height
	return cfg
}
