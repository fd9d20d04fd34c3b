package genotype

import (
	"errors"
	"fmt"
	"math/rand"

	"duosplit/internal/model"
)

var ErrInvalidPenalty = errors.New("invalid penalty weight")

// DefaultPenaltyWeight scales the direct encoding's constraint violation.
const DefaultPenaltyWeight = 100.0

// Direct carries all six coefficients.
type Direct struct {
	HydrogenAlpha model.Triple `json:"ha"`
	OxygenIII     model.Triple `json:"oiii"`
}

// DirectEncoding searches the six coefficients independently. The unit-gain
// and zero-crosstalk relations the reduced form satisfies exactly are enforced
// here through Penalty.
type DirectEncoding struct {
	QE            model.QEMatrix
	PenaltyWeight float64
}

func NewDirectEncoding(qe model.QEMatrix) DirectEncoding {
	return DirectEncoding{QE: qe, PenaltyWeight: DefaultPenaltyWeight}
}

func (DirectEncoding) Name() string {
	return LayoutDirect.Name
}

func (DirectEncoding) Layout() Layout {
	return LayoutDirect
}

func (e DirectEncoding) Validate() error {
	if e.PenaltyWeight < 0 || !isFinite(e.PenaltyWeight) {
		return fmt.Errorf("%w: %g", ErrInvalidPenalty, e.PenaltyWeight)
	}
	return ValidateQE(e.QE)
}

func (DirectEncoding) Random(rng *rand.Rand) Direct {
	var g Direct
	for c := range g.HydrogenAlpha {
		g.HydrogenAlpha[c] = uniform(rng)
	}
	for c := range g.OxygenIII {
		g.OxygenIII[c] = uniform(rng)
	}
	return g
}

func (DirectEncoding) Mutate(rng *rand.Rand, sampler Sampler, g Direct, std float64) Direct {
	for c := range g.HydrogenAlpha {
		g.HydrogenAlpha[c] += sampler.Sample(rng) * std
	}
	for c := range g.OxygenIII {
		g.OxygenIII[c] += sampler.Sample(rng) * std
	}
	return g
}

func (DirectEncoding) Decode(g Direct) (model.Coefficients, error) {
	for c := 0; c < 3; c++ {
		if !isFinite(g.HydrogenAlpha[c]) || !isFinite(g.OxygenIII[c]) {
			return model.Coefficients{}, fmt.Errorf("%w: non-finite direct coefficient", ErrDegenerateQE)
		}
	}
	return model.Coefficients{HydrogenAlpha: g.HydrogenAlpha, OxygenIII: g.OxygenIII}, nil
}

func (DirectEncoding) Pack(g Direct, dst []float32) {
	for c := 0; c < 3; c++ {
		dst[c] = float32(g.HydrogenAlpha[c])
		dst[3+c] = float32(g.OxygenIII[c])
	}
}

func (e DirectEncoding) Penalty(g Direct) float64 {
	ha, oiii := e.QE.HydrogenAlpha(), e.QE.OxygenIII()
	gainA := g.HydrogenAlpha.Dot(ha) - 1
	leakA := g.HydrogenAlpha.Dot(oiii)
	gainB := g.OxygenIII.Dot(oiii) - 1
	leakB := g.OxygenIII.Dot(ha)
	return e.PenaltyWeight * (gainA*gainA + leakA*leakA + gainB*gainB + leakB*leakB)
}

func (DirectEncoding) FreeParameters(g Direct) (float64, float64) {
	return g.HydrogenAlpha[0], g.OxygenIII[0]
}
