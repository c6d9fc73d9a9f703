package utils

// Unique removes duplicate values, keeping first occurrences in order.
func Unique[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Difference returns the items of a that are not in b.
func Difference[T comparable](a, b []T) []T {
	drop := make(map[T]struct{}, len(b))
	for _, it := range b {
		drop[it] = struct{}{}
	}
	var out []T
	for _, it := range a {
		if _, ok := drop[it]; !ok {
			out = append(out, it)
		}
	}
	return out
}
