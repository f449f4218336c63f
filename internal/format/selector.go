// Package format picks a post format from a strategy's content-mix
// weighting via weighted random selection.
package format

import (
	"math/rand"
	"sync"

	"xpilot/internal/storage"
)

// Selector draws formats from a weighted mix. The zero scale of the mix is
// irrelevant; only relative weights matter.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Selector seeded from src. Pass a fixed-seed source in tests
// for determinism.
func New(src rand.Source) *Selector {
	return &Selector{rng: rand.New(src)}
}

// Select draws one format. An empty or all-zero mix defaults to the short
// format. Selection is a single uniform draw over the cumulative weight sum;
// the first category whose cumulative weight exceeds the draw wins.
func (s *Selector) Select(mix map[storage.PostFormat]float64) storage.PostFormat {
	var total float64
	for _, w := range mix {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return storage.FormatShort
	}

	s.mu.Lock()
	draw := s.rng.Float64() * total
	s.mu.Unlock()

	// Iterate in a stable order so the cumulative tie-break is deterministic.
	var cum float64
	for _, f := range []storage.PostFormat{storage.FormatShort, storage.FormatThread, storage.FormatLongForm} {
		w := mix[f]
		if w <= 0 {
			continue
		}
		cum += w
		if draw < cum {
			return f
		}
	}
	return storage.FormatShort
}
