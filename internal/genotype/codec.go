package genotype

import (
	"errors"
	"fmt"
	"math"

	"duosplit/internal/model"
)

var (
	ErrDegenerateQE   = errors.New("degenerate quantum efficiency matrix")
	ErrNotRecoverable = errors.New("free parameter not recoverable from coefficients")
)

// degenerateEpsilon bounds the expansion denominator away from zero.
const degenerateEpsilon = 1e-12

// ExpandFree is the closed-form expansion of one free coefficient i.
//
// a, c, e are the line's own response in R, G, B and b, d, f the other line's
// response in R, G, B. The returned j multiplies the channel carrying (e, f)
// and k the channel carrying (c, d); together with i they form a triple w with
// w·own = 1 and w·other = 0. A zero denominator yields non-finite output.
func ExpandFree(i, a, c, e, b, d, f float64) (j, k float64) {
	denom := d*e - c*f
	j = (d + b*c*i - a*d*i) / denom
	k = (-f - b*e*i + a*f*i) / denom
	return j, k
}

// Denominator returns the expansion denominator for own against other.
func Denominator(own, other model.Triple) float64 {
	return other[1]*own[2] - own[1]*other[2]
}

// ExpandLine expands a line's free red coefficient into its (R, G, B) triple.
func ExpandLine(i float64, own, other model.Triple) (model.Triple, error) {
	denom := Denominator(own, other)
	if math.Abs(denom) < degenerateEpsilon || !isFinite(denom) {
		return model.Triple{}, fmt.Errorf("%w: expansion denominator %g", ErrDegenerateQE, denom)
	}
	blue, green := ExpandFree(i, own[0], own[1], own[2], other[0], other[1], other[2])
	if !isFinite(i) || !isFinite(green) || !isFinite(blue) {
		return model.Triple{}, fmt.Errorf("%w: non-finite expansion of %g", ErrDegenerateQE, i)
	}
	return model.Triple{i, green, blue}, nil
}

// RecoverFree inverts ExpandFree: given the blue coefficient j and the green
// coefficient k produced for own against other, it re-derives the free red
// coefficient. The better-conditioned of the two linear relations is used.
func RecoverFree(j, k float64, own, other model.Triple) (float64, error) {
	denom := Denominator(own, other)
	if math.Abs(denom) < degenerateEpsilon {
		return 0, fmt.Errorf("%w: expansion denominator %g", ErrDegenerateQE, denom)
	}
	a, c, e := own[0], own[1], own[2]
	b, d, f := other[0], other[1], other[2]

	// j*denom = d + i*(b*c - a*d); k*denom = -f + i*(a*f - b*e)
	viaBlue := b*c - a*d
	viaGreen := a*f - b*e
	switch {
	case math.Abs(viaGreen) >= math.Abs(viaBlue) && math.Abs(viaGreen) > degenerateEpsilon:
		return (k*denom + f) / viaGreen, nil
	case math.Abs(viaBlue) > degenerateEpsilon:
		return (j*denom - d) / viaBlue, nil
	default:
		return 0, ErrNotRecoverable
	}
}

// ValidateQE reports whether both line expansions are defined for m.
func ValidateQE(m model.QEMatrix) error {
	ha, oiii := m.HydrogenAlpha(), m.OxygenIII()
	for idx, v := range append(ha[:], oiii[:]...) {
		if !isFinite(v) {
			return fmt.Errorf("%w: non-finite response at index %d", ErrDegenerateQE, idx)
		}
	}
	if denom := Denominator(ha, oiii); math.Abs(denom) < degenerateEpsilon {
		return fmt.Errorf("%w: hydrogen-alpha expansion denominator %g", ErrDegenerateQE, denom)
	}
	if denom := Denominator(oiii, ha); math.Abs(denom) < degenerateEpsilon {
		return fmt.Errorf("%w: oxygen-III expansion denominator %g", ErrDegenerateQE, denom)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
