// Package pipeline renders diptychs: it decodes and orients source photos,
// fits them into their cells, composes the canvas and encodes the result.
// Final batch renders and previews both go through Processor.Render.
package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/layout"
)

// Rendered is an encoded diptych.
type Rendered struct {
	Data     []byte
	Geometry layout.Geometry
	DPI      int
}

type Processor struct {
	decoder Decoder
}

// NewProcessor returns a processor using the build's decoder (libvips with the
// govips tag, the Go image decoders otherwise).
func NewProcessor() *Processor {
	return &Processor{decoder: newDecoder()}
}

// NewProcessorWithDecoder is used by tests and callers that bring their own source loading.
func NewProcessorWithDecoder(decoder Decoder) *Processor {
	return &Processor{decoder: decoder}
}

// ProcessImage loads one photo and returns it fitted to exactly cell.
func (p *Processor) ProcessImage(ctx context.Context, path string, cell layout.Size, opts ProcessOptions) (*image.RGBA, error) {
	img, _, err := p.process(ctx, path, cell, opts)
	return img, err
}

func (p *Processor) process(ctx context.Context, path string, cell layout.Size, opts ProcessOptions) (*image.RGBA, []byte, error) {
	if cell.W <= 0 || cell.H <= 0 {
		return nil, nil, fmt.Errorf("%w: cell %dx%d", layout.ErrInvalidGeometry, cell.W, cell.H)
	}

	src, err := p.decoder.Decode(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if b := src.Image.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, nil, fmt.Errorf("%w %s: empty image", ErrDecode, path)
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	return fitToCell(src, cell, opts), src.EXIF, nil
}

// Render resolves the job's geometry at dpi, fits each present image and
// composes and encodes the canvas. Any image failure fails the render.
func (p *Processor) Render(ctx context.Context, job domain.DiptychJob, dpi int) (Rendered, error) {
	g, err := layout.Resolve(job.Config, dpi)
	if err != nil {
		return Rendered{}, err
	}
	bg := job.Config.Background()

	var exifPayload []byte
	processed := [2]*image.RGBA{}
	for i, ref := range []*domain.SourceImage{job.Image1, job.Image2} {
		if ref == nil {
			continue
		}
		img, payload, err := p.process(ctx, ref.Path, g.Cell, ProcessOptions{
			Rotation:   ref.Rotation,
			FitMode:    job.Config.FitMode,
			AutoRotate: true,
			Background: bg,
			Focus:      ref.FocusOrCenter(),
		})
		if err != nil {
			return Rendered{}, fmt.Errorf("image%d: %w", i+1, err)
		}
		processed[i] = img
		if exifPayload == nil && job.Config.PreserveEXIF {
			exifPayload = payload
		}
	}
	if processed[0] == nil && processed[1] == nil {
		return Rendered{}, fmt.Errorf("%w: job has no images", ErrSourceNotFound)
	}

	canvas := Compose(processed[0], processed[1], g, bg)
	data, err := encodeJPEG(canvas, dpi, exifPayload)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Data: data, Geometry: g, DPI: dpi}, nil
}
