package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibDecoder struct{}

func (stdlibDecoder) Decode(ctx context.Context, path string) (Source, error) {
	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	data, err := readSource(path)
	if err != nil {
		return Source{}, err
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Source{}, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}
	if err := checkSourcePixels(path, header.Width, header.Height); err != nil {
		return Source{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Source{}, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}

	return Source{
		Image:       img,
		Orientation: readOrientation(data),
		Format:      format,
		EXIF:        extractEXIF(data),
	}, nil
}

func readSource(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	return data, nil
}

// readOrientation returns the EXIF orientation or OrientationNormal when the
// tag is missing, unreadable or out of range.
func readOrientation(data []byte) Orientation {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return OrientationNormal
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return OrientationNormal
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return OrientationNormal
	}
	return Orientation(v)
}
