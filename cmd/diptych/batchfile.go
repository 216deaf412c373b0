package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/layout"
	"gopkg.in/yaml.v3"
)

// batchFile is the YAML accepted by render and preview. Jobs without a config
// block take Defaults; relative image paths are resolved against the file.
type batchFile struct {
	Defaults            layout.Config `yaml:"defaults"`
	domain.BatchRequest `yaml:",inline"`
}

func loadBatchFile(path, preset string) (domain.BatchRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.BatchRequest{}, fmt.Errorf("read batch file: %w", err)
	}

	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.BatchRequest{}, fmt.Errorf("parse batch file %s: %w", path, err)
	}

	var p layout.Preset
	if preset != "" {
		var ok bool
		if p, ok = layout.LookupPreset(preset); !ok {
			return domain.BatchRequest{}, fmt.Errorf("unknown preset %q", preset)
		}
	}

	base := filepath.Dir(path)
	req := f.BatchRequest
	for i := range req.Jobs {
		job := &req.Jobs[i]
		if job.Config == (layout.Config{}) {
			job.Config = f.Defaults
		}
		if preset != "" {
			job.Config = p.Apply(job.Config)
		}
		job.Image1 = resolveImage(base, job.Image1)
		job.Image2 = resolveImage(base, job.Image2)
	}
	for i := range req.Order {
		req.Order[i].Image1 = resolvePath(base, req.Order[i].Image1)
		req.Order[i].Image2 = resolvePath(base, req.Order[i].Image2)
	}
	return req.Normalize()
}

func resolveImage(base string, img *domain.SourceImage) *domain.SourceImage {
	if img == nil {
		return nil
	}
	out := *img
	out.Path = resolvePath(base, out.Path)
	return &out
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
