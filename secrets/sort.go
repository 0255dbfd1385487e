package secrets

import "sort"

func sortHistory(h []*AccountHistory) {
	sort.SliceStable(h, func(i, j int) bool {
		return h[i].ArchivedAt.Before(h[j].ArchivedAt)
	})
}
