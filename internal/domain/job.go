package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/diptych/internal/layout"
)

const (
	BatchStatusIdle     = "idle"
	BatchStatusRunning  = "running"
	BatchStatusComplete = "complete"
	BatchStatusFailed   = "failed"

	PreviewStatusPending = "pending"
	PreviewStatusDone    = "done"
	PreviewStatusError   = "error"
)

// Focus is a relative point in [0,1]x[0,1]; values outside are clamped when used.
type Focus struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// CenterFocus keeps the middle of an oversized image.
var CenterFocus = Focus{X: 0.5, Y: 0.5}

// SourceImage references one half of a diptych. Rotation is clockwise degrees.
type SourceImage struct {
	Path      string `json:"path" yaml:"path"`
	Rotation  int    `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	CropFocus *Focus `json:"crop_focus,omitempty" yaml:"crop_focus,omitempty"`
}

// FocusOrCenter returns the crop focus, defaulting to the center.
func (s *SourceImage) FocusOrCenter() Focus {
	if s == nil || s.CropFocus == nil {
		return CenterFocus
	}
	return *s.CropFocus
}

// DiptychJob is one composition: up to two images on one layout.
type DiptychJob struct {
	Image1 *SourceImage  `json:"image1,omitempty" yaml:"image1,omitempty"`
	Image2 *SourceImage  `json:"image2,omitempty" yaml:"image2,omitempty"`
	Config layout.Config `json:"config" yaml:"config"`
}

// PairKey identifies a job by its image paths for explicit batch ordering.
// An absent image is the empty string.
type PairKey struct {
	Image1 string `json:"image1" yaml:"image1"`
	Image2 string `json:"image2" yaml:"image2"`
}

// Key returns the job's ordering identity.
func (j DiptychJob) Key() PairKey {
	var k PairKey
	if j.Image1 != nil {
		k.Image1 = j.Image1.Path
	}
	if j.Image2 != nil {
		k.Image2 = j.Image2.Path
	}
	return k
}

// Normalize trims paths, drops empty image refs, applies layout defaults and
// validates. The returned job is what the orchestrator and cache operate on.
func (j DiptychJob) Normalize() (DiptychJob, error) {
	j.Image1 = normalizeImage(j.Image1)
	j.Image2 = normalizeImage(j.Image2)
	if j.Image1 == nil && j.Image2 == nil {
		return DiptychJob{}, errors.New("at least one image is required")
	}

	cfg, err := layout.NewConfig(j.Config)
	if err != nil {
		return DiptychJob{}, err
	}
	j.Config = cfg
	return j, nil
}

func normalizeImage(img *SourceImage) *SourceImage {
	if img == nil {
		return nil
	}
	out := *img
	out.Path = strings.TrimSpace(out.Path)
	if out.Path == "" {
		return nil
	}
	if out.CropFocus != nil {
		focus := *out.CropFocus
		out.CropFocus = &focus
	}
	return &out
}

// BatchRequest is a submission of many jobs rendered into one output directory.
type BatchRequest struct {
	Jobs       []DiptychJob `json:"jobs" yaml:"jobs"`
	Order      []PairKey    `json:"order,omitempty" yaml:"order,omitempty"`
	Zip        bool         `json:"zip" yaml:"zip"`
	WebhookURL string       `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
}

// Normalize validates every job up front so a bad layout is rejected before
// any rendering starts.
func (r BatchRequest) Normalize() (BatchRequest, error) {
	if len(r.Jobs) == 0 {
		return BatchRequest{}, errors.New("jobs must contain at least one diptych")
	}

	out := r
	out.Jobs = make([]DiptychJob, len(r.Jobs))
	for i, job := range r.Jobs {
		normalized, err := job.Normalize()
		if err != nil {
			return BatchRequest{}, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		out.Jobs[i] = normalized
	}
	out.Order = make([]PairKey, len(r.Order))
	for i, key := range r.Order {
		out.Order[i] = PairKey{Image1: strings.TrimSpace(key.Image1), Image2: strings.TrimSpace(key.Image2)}
	}
	out.WebhookURL = strings.TrimSpace(r.WebhookURL)
	return out, nil
}

// PreviewRequest asks for a single low-latency render.
type PreviewRequest struct {
	Diptych DiptychJob `json:"diptych"`
}

// BatchRecord is the persisted summary of a batch.
type BatchRecord struct {
	ID           string
	Status       string
	Total        int
	Processed    int
	Failed       int
	CacheHits    int
	OutputDir    string
	ZipRequested bool
	FinalPaths   []string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
