package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// ListSubjects returns the purely numeric first-level children of root,
// sorted by numeric value. Store errors are returned as they are; retrying is
// the transport's job.
func ListSubjects(ctx context.Context, store Store, root string) ([]string, error) {
	names, err := store.ListPrefixes(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		if isNumeric(name) {
			ids = append(ids, name)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseUint(ids[i], 10, 64)
		b, _ := strconv.ParseUint(ids[j], 10, 64)
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
