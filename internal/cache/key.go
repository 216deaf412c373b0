// Package cache stores rendered diptychs by a content hash of the job that
// produced them, so an identical job is never rendered twice.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/pipeline"
)

// Key is the content address of a render: a hex sha256 digest followed by the
// output extension.
type Key string

type keySlot struct {
	Path     string       `json:"path"`
	Rotation int          `json:"rotation"`
	Focus    domain.Focus `json:"focus"`
}

// keyDocument is serialized with encoding/json, which writes map keys sorted,
// so the config section is ordered by field name.
type keyDocument struct {
	Paths     []string       `json:"paths"`
	Rotations []int          `json:"rotations"`
	Slots     []keySlot      `json:"slots"`
	Config    map[string]any `json:"config"`
}

// KeyFor hashes a normalized job. Paths are sorted so the key does not depend
// on where the job sits in its batch; the slot list keeps image placement,
// rotation and crop focus so swapped or re-focused pairs get distinct keys.
func KeyFor(job domain.DiptychJob) (Key, error) {
	doc := keyDocument{
		Paths:     make([]string, 0, 2),
		Rotations: make([]int, 0, 2),
		Slots:     make([]keySlot, 0, 2),
	}
	for _, ref := range []*domain.SourceImage{job.Image1, job.Image2} {
		slot := keySlot{}
		if ref != nil {
			slot = keySlot{
				Path:     filepath.Clean(ref.Path),
				Rotation: normalizeRotation(ref.Rotation),
				Focus:    ref.FocusOrCenter(),
			}
		}
		doc.Paths = append(doc.Paths, slot.Path)
		doc.Rotations = append(doc.Rotations, slot.Rotation)
		doc.Slots = append(doc.Slots, slot)
	}
	sort.Strings(doc.Paths)

	config, err := configFields(job)
	if err != nil {
		return "", err
	}
	doc.Config = config

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal cache key: %w", err)
	}
	sum := sha256.Sum256(body)
	return Key(hex.EncodeToString(sum[:]) + "." + pipeline.OutputExt), nil
}

func configFields(job domain.DiptychJob) (map[string]any, error) {
	raw, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal layout config: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal layout config: %w", err)
	}
	return fields, nil
}

func normalizeRotation(degrees int) int {
	return ((degrees % 360) + 360) % 360
}
