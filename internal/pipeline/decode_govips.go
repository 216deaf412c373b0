//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsDecoder lets libvips read the source (HEIF, large TIFFs, CMYK JPEGs)
// and hands back plain pixels. Orientation is still applied by
// NormalizeOrientation so both builds share one transform table.
type govipsDecoder struct{}

func (govipsDecoder) Decode(ctx context.Context, path string) (Source, error) {
	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	data, err := readSource(path)
	if err != nil {
		return Source{}, err
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return Source{}, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}
	defer ref.Close()
	if err := checkSourcePixels(path, ref.Width(), ref.Height()); err != nil {
		return Source{}, err
	}

	orientation := Orientation(ref.Orientation())
	if orientation < OrientationNormal || orientation > OrientationRotate90CCW {
		orientation = OrientationNormal
	}
	img, err := ref.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return Source{}, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}

	return Source{
		Image:       img,
		Orientation: orientation,
		Format:      formatName(ref.Format()),
		EXIF:        extractEXIF(data),
	}, nil
}

func formatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeHEIF:
		return "heif"
	default:
		return "unknown"
	}
}
