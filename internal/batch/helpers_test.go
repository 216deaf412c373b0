package batch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/diptych/internal/cache"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/layout"
	"github.com/dunamismax/diptych/internal/pipeline"
	"github.com/dunamismax/diptych/internal/store"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	black = color.RGBA{A: 255}
)

func writeSolidPNG(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
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

func smallConfig() layout.Config {
	return layout.Config{Width: 2, Height: 1, DPI: 40}
}

func pairJob(a, b string) domain.DiptychJob {
	return domain.DiptychJob{
		Image1: &domain.SourceImage{Path: a},
		Image2: &domain.SourceImage{Path: b},
		Config: smallConfig(),
	}
}

// countingRenderer wraps the real processor and counts renders.
type countingRenderer struct {
	inner *pipeline.Processor
	calls atomic.Int64
}

func newCountingRenderer() *countingRenderer {
	return &countingRenderer{inner: pipeline.NewProcessor()}
}

func (r *countingRenderer) Render(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
	r.calls.Add(1)
	return r.inner.Render(ctx, job, dpi)
}

type renderFunc func(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error)

func (f renderFunc) Render(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
	return f(ctx, job, dpi)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestOrchestrator(t *testing.T, renderer Renderer, renders cache.Store, records store.BatchStore) *Orchestrator {
	t.Helper()

	o, err := NewOrchestrator(discardLogger(), Config{OutputRoot: t.TempDir(), Workers: 4}, renderer, renders, records, nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func waitBatch(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait for batch %s: %v", id, err)
	}
	return snap
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

func near(got color.Color, want color.RGBA) bool {
	c := color.RGBAModel.Convert(got).(color.RGBA)
	d := func(a, b uint8) int {
		if a > b {
			return int(a - b)
		}
		return int(b - a)
	}
	return d(c.R, want.R) < 40 && d(c.G, want.G) < 40 && d(c.B, want.B) < 40
}
