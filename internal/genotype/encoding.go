package genotype

import (
	"math/rand"

	"duosplit/internal/model"
)

// Layout describes how one genome is packed for the device.
type Layout struct {
	Name   string
	Stride int
}

var (
	LayoutReduced = Layout{Name: "reduced", Stride: 2}
	LayoutDirect  = Layout{Name: "direct", Stride: 6}
)

// Sampler draws one unit-scale noise value.
type Sampler interface {
	Sample(rng *rand.Rand) float64
}

// Encoding is one genome representation of an unmixing solution. G is a plain
// value type; every method returns a fresh value and never aliases its input.
type Encoding[G any] interface {
	Name() string
	Layout() Layout
	// Validate checks the encoding's QE matrix before any genome is built.
	Validate() error
	Random(rng *rand.Rand) G
	Mutate(rng *rand.Rand, sampler Sampler, g G, std float64) G
	Decode(g G) (model.Coefficients, error)
	Pack(g G, dst []float32)
	Penalty(g G) float64
	// FreeParameters returns the line A and line B red coefficients.
	FreeParameters(g G) (a, b float64)
}

// ASmallerThanB reports whether line A's free parameter is below line B's.
func ASmallerThanB[G any](enc Encoding[G], g G) bool {
	a, b := enc.FreeParameters(g)
	return a < b
}

// PackPopulation packs every genome into one contiguous device buffer.
func PackPopulation[G any](enc Encoding[G], population []G) []float32 {
	stride := enc.Layout().Stride
	out := make([]float32, stride*len(population))
	for idx, g := range population {
		enc.Pack(g, out[idx*stride:(idx+1)*stride])
	}
	return out
}

func uniform(rng *rand.Rand) float64 {
	return rng.Float64()*2 - 1
}
