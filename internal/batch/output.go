package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/diptych/internal/pipeline"
	"github.com/klauspost/compress/zip"
)

const (
	outputDirPrefix = "DiptychMaster_"
	outputDirLayout = "20060102_150405"
	// ArchiveName is the zip written by Finalize for batches that requested one.
	ArchiveName = "diptych_results.zip"
)

// OutputName is the file name of the diptych at a zero-based batch index.
func OutputName(index int) string {
	return fmt.Sprintf("diptych_%d.%s", index+1, pipeline.OutputExt)
}

// Finalized is what a finished batch hands back: the archive when one was
// requested, and always the output paths in batch order.
type Finalized struct {
	BatchID string   `json:"batch_id"`
	Archive string   `json:"archive,omitempty"`
	Paths   []string `json:"paths"`
}

// allocateOutputDir claims a fresh timestamp-named directory under the output
// root, adding -2, -3... when batches start within the same second.
func (o *Orchestrator) allocateOutputDir() (string, error) {
	if err := os.MkdirAll(o.cfg.OutputRoot, 0o755); err != nil {
		return "", fmt.Errorf("create output root %s: %w", o.cfg.OutputRoot, err)
	}

	base := outputDirPrefix + o.now().Format(outputDirLayout)
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		dir := filepath.Join(o.cfg.OutputRoot, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create output directory %s: %w", dir, err)
		}
	}
}

// Finalize packages a finished batch. It refuses running batches and batches
// where nothing succeeded.
func (o *Orchestrator) Finalize(ctx context.Context, id string) (Finalized, error) {
	snap, err := o.Progress(ctx, id)
	if err != nil {
		return Finalized{}, err
	}
	if !snap.Terminal() {
		return Finalized{}, fmt.Errorf("%w: %s processed=%d total=%d", ErrBatchRunning, id, snap.Processed, snap.Total)
	}
	if snap.Processed == 0 || len(snap.FinalPaths) == 0 {
		return Finalized{}, fmt.Errorf("%w: batch %s", ErrNothingToFinalize, id)
	}

	for _, p := range append([]string{snap.OutputDir}, snap.FinalPaths...) {
		if !within(o.cfg.OutputRoot, p) {
			return Finalized{}, fmt.Errorf("batch %s output %s is outside %s", id, p, o.cfg.OutputRoot)
		}
	}

	out := Finalized{BatchID: id, Paths: snap.FinalPaths}
	if !snap.ZipRequested {
		return out, nil
	}

	archive := filepath.Join(snap.OutputDir, ArchiveName)
	if err := writeArchive(archive, snap.FinalPaths); err != nil {
		return Finalized{}, err
	}
	o.logger.Printf("batch archived batch_id=%s files=%d archive=%s", id, len(snap.FinalPaths), archive)
	out.Archive = archive
	return out, nil
}

// writeArchive zips paths by base name into dst, replacing any earlier archive.
func writeArchive(dst string, paths []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ArchiveName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	for _, p := range paths {
		if err := addToArchive(zw, p); err != nil {
			cleanup()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

func addToArchive(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("archive header %s: %w", path, err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", path, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("archive copy %s: %w", path, err)
	}
	return nil
}

// within reports whether p resolves inside root.
func within(root, p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
