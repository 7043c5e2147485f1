package frontier

import "fmt"

// Comparator orders the frontier queue. It reports whether a sorts before b.
type Comparator func(a, b *URLData) bool

// Comparator names accepted by ComparatorByName.
const (
	ComparatorBreadthFirst           = "breadth_first"
	ComparatorAlphabetic             = "alphabetic"
	ComparatorAlphabeticBreadthFirst = "alphabetic_breadth_first"
)

// BreadthFirst orders by ascending depth, then discovery order.
func BreadthFirst(a, b *URLData) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return a.seq < b.seq
}

// Alphabetic orders by url.
func Alphabetic(a, b *URLData) bool {
	if a.url != b.url {
		return a.url < b.url
	}
	return a.seq < b.seq
}

// AlphabeticBreadthFirst orders by ascending depth, then url.
func AlphabeticBreadthFirst(a, b *URLData) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return Alphabetic(a, b)
}

// ComparatorByName resolves a configured comparator; "" selects BreadthFirst.
func ComparatorByName(name string) (Comparator, error) {
	switch name {
	case "", ComparatorBreadthFirst:
		return BreadthFirst, nil
	case ComparatorAlphabetic:
		return Alphabetic, nil
	case ComparatorAlphabeticBreadthFirst:
		return AlphabeticBreadthFirst, nil
	default:
		return nil, fmt.Errorf("unknown crawl url comparator %q", name)
	}
}
