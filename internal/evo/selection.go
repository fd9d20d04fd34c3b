package evo

import (
	"fmt"
	"math/rand"
)

// Selector chooses the index of a parent from one generation's fitness vector.
// ranked lists the population indices best first; it is computed once per
// generation and shared by every draw.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, fitness []float64, ranked []int) (int, error)
}

// TournamentSelector draws two distinct indices uniformly and keeps the one
// with the lower fitness. On a tie the first draw wins.
type TournamentSelector struct{}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (TournamentSelector) PickParent(rng *rand.Rand, fitness []float64, _ []int) (int, error) {
	if rng == nil {
		return 0, fmt.Errorf("random source is required")
	}
	n := len(fitness)
	if n == 0 {
		return 0, fmt.Errorf("empty population")
	}
	if n == 1 {
		return 0, nil
	}
	first := rng.Intn(n)
	second := rng.Intn(n - 1)
	if second >= first {
		second++
	}
	if fitness[second] < fitness[first] {
		return second, nil
	}
	return first, nil
}

// EliteSelector picks uniformly among the Pool best-ranked indices.
type EliteSelector struct {
	Pool int
}

func (EliteSelector) Name() string {
	return "elite"
}

func (s EliteSelector) PickParent(rng *rand.Rand, fitness []float64, ranked []int) (int, error) {
	if rng == nil {
		return 0, fmt.Errorf("random source is required")
	}
	if len(ranked) != len(fitness) {
		return 0, fmt.Errorf("ranking length mismatch: got=%d want=%d", len(ranked), len(fitness))
	}
	if s.Pool <= 0 || s.Pool > len(ranked) {
		return 0, fmt.Errorf("invalid elite pool: %d", s.Pool)
	}
	return ranked[rng.Intn(s.Pool)], nil
}

// SelectorByName resolves a selection strategy. pool sizes the elite selector.
func SelectorByName(name string, pool int) (Selector, error) {
	switch name {
	case "", "tournament":
		return TournamentSelector{}, nil
	case "elite":
		return EliteSelector{Pool: pool}, nil
	default:
		return nil, &ConfigError{Field: "selection", Err: fmt.Errorf("%w: unknown selector %q", ErrInvalidConfig, name)}
	}
}
