package pipeline

import (
	"image"
	"image/color"
	"math"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/layout"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ProcessOptions controls how one source photo is fitted into its cell.
type ProcessOptions struct {
	// Rotation is an extra clockwise rotation in degrees, applied after EXIF.
	Rotation   int
	FitMode    layout.FitMode
	AutoRotate bool
	Background color.RGBA
	Focus      domain.Focus
}

// fitToCell runs every step after decoding: EXIF orientation, user rotation,
// auto-rotate and fill/fit. The result is exactly cell-sized.
func fitToCell(src Source, cell layout.Size, opts ProcessOptions) *image.RGBA {
	img := NormalizeOrientation(flatten(src.Image, opts.Background), src.Orientation)
	img = rotateClockwise(img, opts.Rotation, opts.Background)

	if opts.AutoRotate && cell.W != cell.H {
		size := layout.Size{W: img.Bounds().Dx(), H: img.Bounds().Dy()}
		if cell.Landscape() != size.Landscape() {
			img = transpose(img, opRotate90)
		}
	}

	if opts.FitMode == layout.FitModeFit {
		return letterbox(img, cell, opts.Background)
	}
	return cropFill(img, cell, opts.Focus)
}

// flatten composites img over bg so transparent sources pick up the border color.
func flatten(img image.Image, bg color.RGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	fill(dst, bg)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// rotateClockwise rotates with expand-to-fit semantics. Right angles are exact
// transposes; other angles are resampled onto a bg-filled bounding box.
func rotateClockwise(img *image.RGBA, degrees int, bg color.RGBA) *image.RGBA {
	degrees = ((degrees % 360) + 360) % 360
	switch degrees {
	case 0:
		return img
	case 90:
		return transpose(img, opRotate270)
	case 180:
		return transpose(img, opRotate180)
	case 270:
		return transpose(img, opRotate90)
	}

	theta := float64(degrees) * math.Pi / 180
	sin, cos := math.Sin(theta), math.Cos(theta)
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	nw := int(math.Ceil(w*math.Abs(cos) + h*math.Abs(sin) - 1e-9))
	nh := int(math.Ceil(w*math.Abs(sin) + h*math.Abs(cos) - 1e-9))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	fill(dst, bg)

	scx, scy := w/2, h/2
	dcx, dcy := float64(nw)/2, float64(nh)/2
	s2d := f64.Aff3{
		cos, -sin, dcx - (cos*scx - sin*scy),
		sin, cos, dcy - (sin*scx + cos*scy),
	}
	draw.BiLinear.Transform(dst, s2d, img, img.Bounds(), draw.Over, nil)
	return dst
}

// cropFill trims the image to the cell aspect ratio, keeping the region picked
// by focus, then scales it to exactly the cell size.
func cropFill(img *image.RGBA, cell layout.Size, focus domain.Focus) *image.RGBA {
	fx, fy := clampUnit(focus.X), clampUnit(focus.Y)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	targetAspect := float64(cell.W) / float64(cell.H)
	imgAspect := float64(w) / float64(h)

	crop := img.Bounds()
	if imgAspect > targetAspect {
		cropW := max(1, int(targetAspect*float64(h)))
		offset := int(float64(w-cropW) * fx)
		crop = image.Rect(offset, 0, offset+cropW, h)
	} else {
		cropH := max(1, int(float64(w)/targetAspect))
		offset := int(float64(h-cropH) * fy)
		crop = image.Rect(0, offset, w, offset+cropH)
	}

	dst := image.NewRGBA(image.Rect(0, 0, cell.W, cell.H))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst
}

// letterbox scales the image down (never up) to fit the cell and centers it on bg.
func letterbox(img *image.RGBA, cell layout.Size, bg color.RGBA) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scale := math.Min(float64(cell.W)/float64(w), float64(cell.H)/float64(h))

	nw, nh := w, h
	if scale < 1 {
		nw = min(cell.W, max(1, int(math.Round(float64(w)*scale))))
		nh = min(cell.H, max(1, int(math.Round(float64(h)*scale))))
	}

	dst := image.NewRGBA(image.Rect(0, 0, cell.W, cell.H))
	fill(dst, bg)

	x := (cell.W - nw) / 2
	y := (cell.H - nh) / 2
	target := image.Rect(x, y, x+nw, y+nh)
	if nw == w && nh == h {
		draw.Draw(dst, target, img, image.Point{}, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, target, img, img.Bounds(), draw.Src, nil)
	return dst
}

func fill(dst *image.RGBA, c color.RGBA) {
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Min(1, math.Max(0, v))
}
