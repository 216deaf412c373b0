package batch

import (
	"testing"

	"github.com/dunamismax/diptych/internal/domain"
)

func keys(jobs []domain.DiptychJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		k := j.Key()
		out[i] = k.Image1 + "+" + k.Image2
	}
	return out
}

func TestReorder(t *testing.T) {
	ab := pairJob("A", "B")
	cd := pairJob("C", "D")
	ef := pairJob("E", "F")
	single := domain.DiptychJob{Image1: &domain.SourceImage{Path: "G"}}

	tests := []struct {
		name  string
		jobs  []domain.DiptychJob
		order []domain.PairKey
		want  []string
	}{
		{
			name: "no order keeps submission",
			jobs: []domain.DiptychJob{ab, cd},
			want: []string{"A+B", "C+D"},
		},
		{
			name:  "explicit order first",
			jobs:  []domain.DiptychJob{ab, cd},
			order: []domain.PairKey{{Image1: "C", Image2: "D"}},
			want:  []string{"C+D", "A+B"},
		},
		{
			name:  "unmatched keep relative order at the end",
			jobs:  []domain.DiptychJob{ab, cd, ef, single},
			order: []domain.PairKey{{Image1: "E", Image2: "F"}, {Image1: "nope", Image2: "nope"}},
			want:  []string{"E+F", "A+B", "C+D", "G+"},
		},
		{
			name:  "single image pairs match on empty second path",
			jobs:  []domain.DiptychJob{ab, single},
			order: []domain.PairKey{{Image1: "G"}, {Image1: "A", Image2: "B"}},
			want:  []string{"G+", "A+B"},
		},
		{
			name:  "swapped pair is a different key",
			jobs:  []domain.DiptychJob{ab, cd},
			order: []domain.PairKey{{Image1: "B", Image2: "A"}, {Image1: "C", Image2: "D"}},
			want:  []string{"C+D", "A+B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keys(Reorder(tt.jobs, tt.order))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestReorderDoesNotMutateInput(t *testing.T) {
	jobs := []domain.DiptychJob{pairJob("A", "B"), pairJob("C", "D")}
	Reorder(jobs, []domain.PairKey{{Image1: "C", Image2: "D"}})
	if jobs[0].Image1.Path != "A" {
		t.Fatal("input slice must keep its order")
	}
}
