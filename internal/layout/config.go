// Package layout turns a print-oriented layout description (physical size,
// DPI, borders, gap) into the exact pixel geometry of a diptych.
package layout

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"strings"
)

// ErrInvalidGeometry reports a layout that cannot produce a positive canvas or cell.
var ErrInvalidGeometry = errors.New("invalid geometry")

type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

type FitMode string

const (
	// FitModeFill crops the image to the cell aspect ratio before scaling.
	FitModeFill FitMode = "fill"
	// FitModeFit letterboxes the whole image inside the cell.
	FitModeFit FitMode = "fit"
)

// Defaults applied by Normalize to zero-valued fields.
const (
	DefaultWidth       = 10.0
	DefaultHeight      = 8.0
	DefaultDPI         = 300
	DefaultBorderColor = "white"
)

// Config is the immutable per-job layout. Width and Height are in physical
// units (inches); Orientation decides which of them becomes the canvas width.
type Config struct {
	Width         float64     `json:"width" yaml:"width"`
	Height        float64     `json:"height" yaml:"height"`
	DPI           int         `json:"dpi" yaml:"dpi"`
	Orientation   Orientation `json:"orientation" yaml:"orientation"`
	GapPx         int         `json:"gap" yaml:"gap"`
	OuterBorderPx int         `json:"outer_border" yaml:"outer_border"`
	BorderColor   string      `json:"border_color" yaml:"border_color"`
	FitMode       FitMode     `json:"fit_mode" yaml:"fit_mode"`
	PreserveEXIF  bool        `json:"preserve_exif" yaml:"preserve_exif"`
}

// DefaultConfig returns a 10x8in landscape layout at 300 DPI.
func DefaultConfig() Config {
	return Config{}.Normalize()
}

// NewConfig fills defaults and validates. It is the only constructor callers
// outside tests should use.
func NewConfig(cfg Config) (Config, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize returns a copy with defaults applied to unset fields.
func (c Config) Normalize() Config {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.DPI == 0 {
		c.DPI = DefaultDPI
	}
	c.Orientation = Orientation(strings.ToLower(strings.TrimSpace(string(c.Orientation))))
	if c.Orientation == "" {
		c.Orientation = OrientationLandscape
	}
	c.FitMode = FitMode(strings.ToLower(strings.TrimSpace(string(c.FitMode))))
	if c.FitMode == "" {
		c.FitMode = FitModeFill
	}
	c.BorderColor = strings.TrimSpace(c.BorderColor)
	if c.BorderColor == "" {
		c.BorderColor = DefaultBorderColor
	}
	return c
}

// Validate checks field ranges. Canvas-dependent checks (border vs canvas)
// happen in Resolve because they depend on the DPI actually rendered.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.Width) || math.IsNaN(c.Height):
		return fmt.Errorf("%w: width and height must be numbers", ErrInvalidGeometry)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: width and height must be positive, got %gx%g", ErrInvalidGeometry, c.Width, c.Height)
	case c.DPI <= 0:
		return fmt.Errorf("%w: dpi must be positive, got %d", ErrInvalidGeometry, c.DPI)
	case c.GapPx < 0:
		return fmt.Errorf("%w: gap must not be negative, got %d", ErrInvalidGeometry, c.GapPx)
	case c.OuterBorderPx < 0:
		return fmt.Errorf("%w: outer_border must not be negative, got %d", ErrInvalidGeometry, c.OuterBorderPx)
	}

	switch c.Orientation {
	case OrientationLandscape, OrientationPortrait:
	default:
		return fmt.Errorf("%w: unsupported orientation %q", ErrInvalidGeometry, c.Orientation)
	}
	switch c.FitMode {
	case FitModeFill, FitModeFit:
	default:
		return fmt.Errorf("%w: unsupported fit_mode %q", ErrInvalidGeometry, c.FitMode)
	}

	if _, err := ParseColor(c.BorderColor); err != nil {
		return fmt.Errorf("%w: border_color: %v", ErrInvalidGeometry, err)
	}
	return nil
}

// Background returns the parsed border color. Validate guarantees it parses.
func (c Config) Background() color.RGBA {
	bg, err := ParseColor(c.BorderColor)
	if err != nil {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return bg
}
