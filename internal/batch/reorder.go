package batch

import (
	"sort"

	"github.com/dunamismax/diptych/internal/domain"
)

// Reorder returns jobs sorted by their position in order, matched on the
// (image1, image2) path pair. Unmatched jobs go last. The sort is stable, so
// ties keep their submitted relative order.
func Reorder(jobs []domain.DiptychJob, order []domain.PairKey) []domain.DiptychJob {
	out := append([]domain.DiptychJob(nil), jobs...)
	if len(order) == 0 {
		return out
	}

	rank := make(map[domain.PairKey]int, len(order))
	for i, key := range order {
		if _, seen := rank[key]; !seen {
			rank[key] = i
		}
	}
	rankOf := func(job domain.DiptychJob) int {
		if r, ok := rank[job.Key()]; ok {
			return r
		}
		return len(order)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return rankOf(out[i]) < rankOf(out[j])
	})
	return out
}
