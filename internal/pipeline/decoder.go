package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrSourceNotFound means the source path does not exist.
	ErrSourceNotFound = errors.New("source image not found")
	// ErrDecode means the source exists but could not be decoded.
	ErrDecode = errors.New("decode source image")
)

// MaxSourcePixels bounds a source photo before its pixels are allocated.
// Current medium format sensors stay well under it.
const MaxSourcePixels = 250_000_000

func checkSourcePixels(path string, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w %s: empty %dx%d image", ErrDecode, path, width, height)
	}
	if int64(width)*int64(height) > MaxSourcePixels {
		return fmt.Errorf("%w %s: %dx%d exceeds %d pixels", ErrDecode, path, width, height, MaxSourcePixels)
	}
	return nil
}

// Source is a decoded photo before any orientation handling.
type Source struct {
	Image       image.Image
	Orientation Orientation
	Format      string
	// EXIF is the raw APP1 payload ("Exif\x00\x00" + TIFF) when the source carried one.
	EXIF []byte
}

// Decoder loads a source photo from disk.
type Decoder interface {
	Decode(ctx context.Context, path string) (Source, error)
}
