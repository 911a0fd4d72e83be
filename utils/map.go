package utils

import (
	"maps"
	"slices"
)

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// MergeSets returns the union of sets. Nil inputs are skipped.
func MergeSets[K comparable](sets ...map[K]struct{}) map[K]struct{} {
	out := map[K]struct{}{}
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}
