package batch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/layout"
	"github.com/dunamismax/diptych/internal/pipeline"
)

func waitPreview(t *testing.T, p *Previews, id string) PreviewJob {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := p.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait preview %s: %v", id, err)
	}
	return job
}

func TestPreviewMatchesFinalRenderAtSameDPI(t *testing.T) {
	dir := t.TempDir()
	a := writeSolidPNG(t, dir, "a.png", red)
	b := writeSolidPNG(t, dir, "b.png", blue)
	focus := domain.Focus{X: 0.2, Y: 0.8}
	job := pairJob(a, b)
	job.Image1.CropFocus = &focus
	job.Image2.Rotation = 90
	job.Config.GapPx = 4

	renderer := pipeline.NewProcessor()
	previews := NewPreviews(discardLogger(), renderer, DefaultPreviewMaxDPI, 1, nil)
	previewID, err := previews.Submit(context.Background(), domain.PreviewRequest{Diptych: job})
	if err != nil {
		t.Fatalf("submit preview: %v", err)
	}
	status := waitPreview(t, previews, previewID)
	if status.Status != domain.PreviewStatusDone || status.DPI != 40 {
		t.Fatalf("expected done preview at 40 dpi, got %+v", status)
	}
	if status.Result != nil {
		t.Fatal("status must not carry the image bytes")
	}
	previewBytes, err := previews.Result(previewID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}

	o := newTestOrchestrator(t, renderer, nil, nil)
	batch, err := o.Submit(context.Background(), domain.BatchRequest{Jobs: []domain.DiptychJob{job}})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	snap := waitBatch(t, o, batch.ID())
	finalBytes, err := os.ReadFile(snap.FinalPaths[0])
	if err != nil {
		t.Fatalf("read final: %v", err)
	}

	if !bytes.Equal(previewBytes, finalBytes) {
		t.Fatal("preview and final render at the same dpi must be identical")
	}
}

func TestPreviewCapsDPI(t *testing.T) {
	var gotDPI int
	renderer := renderFunc(func(_ context.Context, _ domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
		gotDPI = dpi
		return pipeline.Rendered{Data: []byte("jpeg")}, nil
	})
	previews := NewPreviews(discardLogger(), renderer, 150, 1, nil)

	job := pairJob("a.png", "b.png")
	job.Config.DPI = 300
	previewID, err := previews.Submit(context.Background(), domain.PreviewRequest{Diptych: job})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	status := waitPreview(t, previews, previewID)
	if status.DPI != 150 || gotDPI != 150 {
		t.Fatalf("expected preview capped at 150 dpi, status=%d render=%d", status.DPI, gotDPI)
	}

	if PreviewDPI(72, 150) != 72 || PreviewDPI(300, 150) != 150 || PreviewDPI(300, 0) != 300 {
		t.Fatal("unexpected PreviewDPI results")
	}
}

func TestPreviewLifecycle(t *testing.T) {
	release := make(chan struct{})
	renderer := renderFunc(func(_ context.Context, job domain.DiptychJob, _ int) (pipeline.Rendered, error) {
		<-release
		if job.Image1.Path == "broken.png" {
			return pipeline.Rendered{}, pipeline.ErrDecode
		}
		return pipeline.Rendered{Data: []byte("jpeg")}, nil
	})
	previews := NewPreviews(discardLogger(), renderer, 150, 2, nil)

	okID, err := previews.Submit(context.Background(), domain.PreviewRequest{Diptych: pairJob("a.png", "b.png")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	badID, err := previews.Submit(context.Background(), domain.PreviewRequest{Diptych: pairJob("broken.png", "b.png")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status, err := previews.Status(okID)
	if err != nil || status.Status != domain.PreviewStatusPending {
		t.Fatalf("expected pending, got %+v err=%v", status, err)
	}
	if _, err := previews.Result(okID); !errors.Is(err, ErrPreviewPending) {
		t.Fatalf("expected ErrPreviewPending, got %v", err)
	}

	close(release)
	if got := waitPreview(t, previews, okID); got.Status != domain.PreviewStatusDone {
		t.Fatalf("expected done, got %+v", got)
	}
	data, err := previews.Result(okID)
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("expected preview bytes, got %q err=%v", data, err)
	}

	failed := waitPreview(t, previews, badID)
	if failed.Status != domain.PreviewStatusError || failed.Error == "" {
		t.Fatalf("expected error status with message, got %+v", failed)
	}
	if _, err := previews.Result(badID); err == nil {
		t.Fatal("expected error result for failed preview")
	}

	if _, err := previews.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := previews.Result("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviewRejectsInvalidLayout(t *testing.T) {
	previews := NewPreviews(discardLogger(), pipeline.NewProcessor(), 150, 1, nil)

	job := pairJob("a.png", "b.png")
	job.Config.Orientation = "diagonal"
	if _, err := previews.Submit(context.Background(), domain.PreviewRequest{Diptych: job}); !errors.Is(err, layout.ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}

	if _, err := previews.Submit(context.Background(), domain.PreviewRequest{}); err == nil {
		t.Fatal("expected error for preview without images")
	}
}
