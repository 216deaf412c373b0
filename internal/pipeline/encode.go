package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	// OutputExt is the extension of every rendered diptych and cache entry.
	OutputExt = "jpg"
	// JPEGQuality is shared by final renders and previews.
	JPEGQuality = 95

	maxSegmentPayload = 0xFFFF - 2
)

// encodeJPEG encodes img and splices a JFIF density segment (and optionally an
// EXIF segment) right after SOI, since image/jpeg writes neither.
func encodeJPEG(img image.Image, dpi int, exifPayload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	encoded := buf.Bytes()
	if len(encoded) < 2 {
		return nil, fmt.Errorf("encode jpeg: short output")
	}

	segments := jfifSegment(dpi)
	if len(exifPayload) > 0 && len(exifPayload) <= maxSegmentPayload {
		payload := append([]byte(nil), exifPayload...)
		resetOrientation(payload)
		segments = append(segments, appSegment(markerAPP1, payload)...)
	}

	out := make([]byte, 0, len(encoded)+len(segments))
	out = append(out, encoded[:2]...)
	out = append(out, segments...)
	out = append(out, encoded[2:]...)
	return out, nil
}

func jfifSegment(dpi int) []byte {
	density := uint16(min(max(dpi, 1), 0xFFFF))
	payload := []byte{'J', 'F', 'I', 'F', 0, 1, 1, 1, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(payload[8:10], density)
	binary.BigEndian.PutUint16(payload[10:12], density)
	return appSegment(0xE0, payload)
}

func appSegment(marker byte, payload []byte) []byte {
	seg := make([]byte, 4, 4+len(payload))
	seg[0] = 0xFF
	seg[1] = marker
	binary.BigEndian.PutUint16(seg[2:4], uint16(len(payload)+2))
	return append(seg, payload...)
}

// DPIOf reads the JFIF density of an encoded JPEG; ok is false when the stream
// has no JFIF segment in dots per inch.
func DPIOf(data []byte) (int, bool) {
	if len(data) < 20 || data[0] != 0xFF || data[1] != markerSOI || data[2] != 0xFF || data[3] != 0xE0 {
		return 0, false
	}
	payload := data[6:]
	if !bytes.HasPrefix(payload, []byte("JFIF\x00")) || payload[7] != 1 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(payload[8:10])), true
}
