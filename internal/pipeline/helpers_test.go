package pipeline

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, c)
	return img
}

// splitImage paints the first half (left, or top when vertical) a and the rest b.
func splitImage(w, h int, a, b color.RGBA, vertical bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			first := x < w/2
			if vertical {
				first = y < h/2
			}
			if first {
				img.SetRGBA(x, y, a)
			} else {
				img.SetRGBA(x, y, b)
			}
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// exifPayload builds a minimal APP1 payload holding only the orientation tag.
func exifPayload(orientation uint16, order binary.ByteOrder) []byte {
	var b bytes.Buffer
	b.WriteString("Exif\x00\x00")
	if order == binary.LittleEndian {
		b.WriteString("II")
	} else {
		b.WriteString("MM")
	}
	tmp := make([]byte, 4)
	order.PutUint16(tmp, 42)
	b.Write(tmp[:2])
	order.PutUint32(tmp, 8)
	b.Write(tmp)
	order.PutUint16(tmp, 1)
	b.Write(tmp[:2])

	entry := make([]byte, 12)
	order.PutUint16(entry[0:2], tagOrientation)
	order.PutUint16(entry[2:4], typeShort)
	order.PutUint32(entry[4:8], 1)
	order.PutUint16(entry[8:10], orientation)
	b.Write(entry)

	order.PutUint32(tmp, 0)
	b.Write(tmp)
	return b.Bytes()
}

func writeJPEGWithOrientation(t *testing.T, dir, name string, img image.Image, orientation uint16) string {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	encoded := buf.Bytes()
	seg := appSegment(markerAPP1, exifPayload(orientation, binary.LittleEndian))

	out := append([]byte(nil), encoded[:2]...)
	out = append(out, seg...)
	out = append(out, encoded[2:]...)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// writePNGDeclaring writes a tiny PNG whose IHDR claims width x height, so only
// the header is large.
func writePNGDeclaring(t *testing.T, dir, name string, width, height uint32) string {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(2, 2, red)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	data := buf.Bytes()
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc after 13 data bytes
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func decodeBytes(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

// near tolerates JPEG and resampling noise.
func near(got, want color.RGBA) bool {
	d := func(a, b uint8) int {
		if a > b {
			return int(a - b)
		}
		return int(b - a)
	}
	return d(got.R, want.R) < 40 && d(got.G, want.G) < 40 && d(got.B, want.B) < 40
}
