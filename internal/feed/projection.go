package feed

import (
	"sort"

	"carspot-service/internal/domain/car"
)

// project orders entries by key. Equal sort values fall back to insertion
// order so the output is deterministic.
func project(entries []*entry, key car.SortKey) []car.CarRecord {
	sorted := make([]*entry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch key {
		case car.SortLeastRecent:
			if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
				return a.rec.CreatedAt.Before(b.rec.CreatedAt)
			}
		case car.SortMostLiked:
			if a.rec.LikeCount != b.rec.LikeCount {
				return a.rec.LikeCount > b.rec.LikeCount
			}
			if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
				return a.rec.CreatedAt.After(b.rec.CreatedAt)
			}
		default:
			if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
				return a.rec.CreatedAt.After(b.rec.CreatedAt)
			}
		}
		return a.seq < b.seq
	})

	out := make([]car.CarRecord, len(sorted))
	for i, e := range sorted {
		out[i] = e.rec.Clone()
	}
	return out
}
