package pipeline

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/dunamismax/diptych/internal/layout"
)

// Compose places up to two processed images on a border-colored canvas of
// exactly g.Final. The gap is only reserved when both images are present; a
// lone image keeps its cell size and is centered in its half.
func Compose(img1, img2 *image.RGBA, g layout.Geometry, border color.RGBA) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, g.Final.W, g.Final.H))
	fill(canvas, border)

	gap := 0
	if img1 != nil && img2 != nil {
		gap = g.GapPx
	}

	innerW := g.Final.W - 2*g.OuterBorderPx
	innerH := g.Final.H - 2*g.OuterBorderPx
	cellW, cellH := innerW, innerH
	stepX, stepY := 0, 0
	if g.Split == layout.SplitVertical {
		cellH = (innerH - gap) / 2
		stepY = cellH + gap
	} else {
		cellW = (innerW - gap) / 2
		stepX = cellW + gap
	}

	place := func(img *image.RGBA, originX, originY int) {
		if img == nil {
			return
		}
		b := img.Bounds()
		x := originX + (cellW-b.Dx())/2
		y := originY + (cellH-b.Dy())/2
		draw.Draw(canvas, image.Rect(x, y, x+b.Dx(), y+b.Dy()), img, b.Min, draw.Src)
	}

	place(img1, g.OuterBorderPx, g.OuterBorderPx)
	place(img2, g.OuterBorderPx+stepX, g.OuterBorderPx+stepY)
	return canvas
}
