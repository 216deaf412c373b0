package pipeline

import (
	"image"
	"image/draw"
)

// Orientation is the EXIF orientation tag value (1-8).
type Orientation int

const (
	OrientationNormal      Orientation = 1
	OrientationMirrorH     Orientation = 2
	OrientationRotate180   Orientation = 3
	OrientationMirrorV     Orientation = 4
	OrientationTranspose   Orientation = 5
	OrientationRotate90CW  Orientation = 6
	OrientationTransverse  Orientation = 7
	OrientationRotate90CCW Orientation = 8
)

type transposeOp int

const (
	opFlipH transposeOp = iota
	opFlipV
	opRotate90 // counter-clockwise
	opRotate180
	opRotate270 // counter-clockwise, i.e. 90 clockwise
)

// orientationOps maps each EXIF orientation to the transposes that make the
// pixels upright, applied in order. Missing entries (1, unknown) are no-ops.
var orientationOps = map[Orientation][]transposeOp{
	OrientationMirrorH:     {opFlipH},
	OrientationRotate180:   {opRotate180},
	OrientationMirrorV:     {opFlipV},
	OrientationTranspose:   {opFlipH, opRotate90},
	OrientationRotate90CW:  {opRotate270},
	OrientationTransverse:  {opFlipH, opRotate270},
	OrientationRotate90CCW: {opRotate90},
}

// NormalizeOrientation returns an upright copy of img for the given EXIF orientation.
func NormalizeOrientation(img image.Image, o Orientation) *image.RGBA {
	out := toRGBA(img)
	for _, op := range orientationOps[o] {
		out = transpose(out, op)
	}
	return out
}

func transpose(src *image.RGBA, op transposeOp) *image.RGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	var (
		dst *image.RGBA
		at  func(x, y int) (int, int)
	)
	switch op {
	case opFlipH:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return w - 1 - x, y }
	case opFlipV:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return x, h - 1 - y }
	case opRotate180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case opRotate90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return y, w - 1 - x }
	case opRotate270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return h - 1 - y, x }
	default:
		return src
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := at(x, y)
			si := src.PixOffset(src.Rect.Min.X+x, src.Rect.Min.Y+y)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// toRGBA copies img into a zero-origin RGBA buffer.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
