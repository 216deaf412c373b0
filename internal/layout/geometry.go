package layout

import (
	"fmt"
	"math"
)

type Size struct {
	W int `json:"width"`
	H int `json:"height"`
}

func (s Size) Landscape() bool { return s.W > s.H }

// Axis is the canvas axis along which the two cells sit next to each other.
type Axis int

const (
	// SplitHorizontal places the cells side by side (landscape and square canvases).
	SplitHorizontal Axis = iota
	// SplitVertical stacks the cells (portrait canvases).
	SplitVertical
)

func (a Axis) String() string {
	if a == SplitVertical {
		return "vertical"
	}
	return "horizontal"
}

func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Geometry is the pixel layout derived from a Config at a given DPI.
type Geometry struct {
	Final         Size `json:"final"`
	Processing    Size `json:"processing"`
	Cell          Size `json:"cell"`
	OuterBorderPx int  `json:"outer_border"`
	GapPx         int  `json:"gap"`
	Split         Axis `json:"split"`
}

// MaxCanvasPixels bounds the rendered canvas. 36x24in at 400 DPI fits; the
// RGBA canvas alone costs four bytes per pixel.
const MaxCanvasPixels = 150_000_000

// PixelsFor converts a physical length to pixels at dpi.
func PixelsFor(units float64, dpi int) int {
	return int(math.Round(units * float64(dpi)))
}

// Resolve computes the canvas, the combined processing box and the per-image
// cell. Processing = Final - 2*border, minus the gap on the split axis only.
// A square canvas splits horizontally.
func Resolve(cfg Config, dpi int) (Geometry, error) {
	if err := cfg.Validate(); err != nil {
		return Geometry{}, err
	}
	if dpi <= 0 {
		return Geometry{}, fmt.Errorf("%w: dpi must be positive, got %d", ErrInvalidGeometry, dpi)
	}

	width, height := cfg.Width, cfg.Height
	if cfg.Orientation == OrientationPortrait {
		width, height = height, width
	}

	if pixels := width * float64(dpi) * height * float64(dpi); pixels > MaxCanvasPixels {
		return Geometry{}, fmt.Errorf("%w: %gx%gin at %d DPI is %.0f pixels, limit is %d", ErrInvalidGeometry, width, height, dpi, pixels, MaxCanvasPixels)
	}

	final := Size{W: PixelsFor(width, dpi), H: PixelsFor(height, dpi)}
	border := cfg.OuterBorderPx
	if 2*border >= final.W || 2*border >= final.H {
		return Geometry{}, fmt.Errorf("%w: outer_border %dpx leaves no room on a %dx%d canvas", ErrInvalidGeometry, border, final.W, final.H)
	}

	split := SplitHorizontal
	if cfg.Orientation == OrientationPortrait && final.W != final.H {
		split = SplitVertical
	}

	processing := Size{W: final.W - 2*border, H: final.H - 2*border}
	var cell Size
	if split == SplitVertical {
		processing.H -= cfg.GapPx
		cell = Size{W: processing.W, H: processing.H / 2}
	} else {
		processing.W -= cfg.GapPx
		cell = Size{W: processing.W / 2, H: processing.H}
	}

	if cell.W <= 0 || cell.H <= 0 {
		return Geometry{}, fmt.Errorf("%w: gap %dpx and border %dpx leave a %dx%d cell", ErrInvalidGeometry, cfg.GapPx, border, cell.W, cell.H)
	}

	return Geometry{
		Final:         final,
		Processing:    processing,
		Cell:          cell,
		OuterBorderPx: border,
		GapPx:         cfg.GapPx,
		Split:         split,
	}, nil
}
