package distr

import (
	"math"
	"math/rand"
)

// Normal samples a Gaussian distribution with the Box–Muller transform.
type Normal struct {
	Mean   float64
	StdDev float64
}

func NewNormal(mean, stdDev float64) Normal {
	return Normal{Mean: mean, StdDev: stdDev}
}

// Sample draws one value. Only the cosine branch of the transform is used, so
// every call consumes exactly two uniforms from rng.
func (n Normal) Sample(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	u2 := rng.Float64()
	// Float64 is in [0, 1); map u1 into (0, 1] so the logarithm stays finite.
	u1 = 1 - u1
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return n.Mean + z0*n.StdDev
}
