package genotype

import (
	"fmt"
	"math/rand"

	"duosplit/internal/model"
)

// Reduced is the two-parameter genome: I is line A's red coefficient and X is
// line B's. The green and blue coefficients of each line are derived.
type Reduced struct {
	I float64 `json:"i"`
	X float64 `json:"x"`
}

// ReducedEncoding expands Reduced genomes against a fixed QE matrix.
type ReducedEncoding struct {
	QE model.QEMatrix
}

func NewReducedEncoding(qe model.QEMatrix) ReducedEncoding {
	return ReducedEncoding{QE: qe}
}

func (ReducedEncoding) Name() string {
	return LayoutReduced.Name
}

func (ReducedEncoding) Layout() Layout {
	return LayoutReduced
}

func (e ReducedEncoding) Validate() error {
	return ValidateQE(e.QE)
}

func (ReducedEncoding) Random(rng *rand.Rand) Reduced {
	return Reduced{I: uniform(rng), X: uniform(rng)}
}

func (ReducedEncoding) Mutate(rng *rand.Rand, sampler Sampler, g Reduced, std float64) Reduced {
	g.I += sampler.Sample(rng) * std
	g.X += sampler.Sample(rng) * std
	return g
}

func (e ReducedEncoding) Decode(g Reduced) (model.Coefficients, error) {
	ha, oiii := e.QE.HydrogenAlpha(), e.QE.OxygenIII()
	lineA, err := ExpandLine(g.I, ha, oiii)
	if err != nil {
		return model.Coefficients{}, fmt.Errorf("expand hydrogen-alpha: %w", err)
	}
	lineB, err := ExpandLine(g.X, oiii, ha)
	if err != nil {
		return model.Coefficients{}, fmt.Errorf("expand oxygen-III: %w", err)
	}
	return model.Coefficients{HydrogenAlpha: lineA, OxygenIII: lineB}, nil
}

func (ReducedEncoding) Pack(g Reduced, dst []float32) {
	dst[0] = float32(g.I)
	dst[1] = float32(g.X)
}

func (ReducedEncoding) Penalty(Reduced) float64 {
	return 0
}

func (ReducedEncoding) FreeParameters(g Reduced) (float64, float64) {
	return g.I, g.X
}

// Recover re-derives the genome that decodes to c.
func (e ReducedEncoding) Recover(c model.Coefficients) (Reduced, error) {
	ha, oiii := e.QE.HydrogenAlpha(), e.QE.OxygenIII()
	i, err := RecoverFree(c.HydrogenAlpha[2], c.HydrogenAlpha[1], ha, oiii)
	if err != nil {
		return Reduced{}, fmt.Errorf("recover hydrogen-alpha: %w", err)
	}
	x, err := RecoverFree(c.OxygenIII[2], c.OxygenIII[1], oiii, ha)
	if err != nil {
		return Reduced{}, fmt.Errorf("recover oxygen-III: %w", err)
	}
	return Reduced{I: i, X: x}, nil
}
