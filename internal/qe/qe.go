// Package qe holds the linear algebra of the camera response matrix.
package qe

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"duosplit/internal/model"
)

var ErrRankDeficient = errors.New("qe matrix is rank deficient")

// rankTolerance bounds the smallest singular value relative to the largest.
const rankTolerance = 1e-9

// Matrix returns the 3x2 response matrix: rows R, G, B; columns hydrogen-alpha
// and oxygen-III.
func Matrix(m model.QEMatrix) *mat.Dense {
	return mat.NewDense(3, 2, []float64{
		m.Red.HydrogenAlpha, m.Red.OxygenIII,
		m.Green.HydrogenAlpha, m.Green.OxygenIII,
		m.Blue.HydrogenAlpha, m.Blue.OxygenIII,
	})
}

// SingularValues returns the singular values of the response matrix in
// descending order.
func SingularValues(m model.QEMatrix) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(Matrix(m), mat.SVDNone); !ok {
		return nil, fmt.Errorf("%w: svd did not converge", ErrRankDeficient)
	}
	return svd.Values(nil), nil
}

// Validate checks that both lines are separable by some linear unmixing.
func Validate(m model.QEMatrix) error {
	values, err := SingularValues(m)
	if err != nil {
		return err
	}
	if values[0] == 0 || values[1]/values[0] < rankTolerance || math.IsNaN(values[1]) {
		return fmt.Errorf("%w: singular values %v", ErrRankDeficient, values)
	}
	return nil
}

// Condition is the 2-norm condition number of the response matrix.
func Condition(m model.QEMatrix) float64 {
	return mat.Cond(Matrix(m), 2)
}

// Denominators returns the closed-form expansion denominators of line A and
// line B. Both are the green/blue minor of the matrix up to sign.
func Denominators(m model.QEMatrix) (lineA, lineB float64) {
	minor := mat.NewDense(2, 2, []float64{
		m.Green.HydrogenAlpha, m.Green.OxygenIII,
		m.Blue.HydrogenAlpha, m.Blue.OxygenIII,
	})
	det := mat.Det(minor)
	return -det, det
}

// MinimumNorm returns the unmixing of least Euclidean norm, the rows of the
// pseudo-inverse (QᵀQ)⁻¹Qᵀ.
func MinimumNorm(m model.QEMatrix) (model.Coefficients, error) {
	if err := Validate(m); err != nil {
		return model.Coefficients{}, err
	}
	q := Matrix(m)
	var qtq mat.Dense
	qtq.Mul(q.T(), q)
	var inv mat.Dense
	if err := inv.Inverse(&qtq); err != nil {
		return model.Coefficients{}, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}
	var w mat.Dense
	w.Mul(&inv, q.T())
	return model.Coefficients{
		HydrogenAlpha: model.Triple{w.At(0, 0), w.At(0, 1), w.At(0, 2)},
		OxygenIII:     model.Triple{w.At(1, 0), w.At(1, 1), w.At(1, 2)},
	}, nil
}

// Residuals measures how far an unmixing is from unit gain on its own line
// and zero crosstalk from the other.
type Residuals struct {
	GainA float64 `json:"gain_ha"`
	LeakA float64 `json:"leak_ha"`
	GainB float64 `json:"gain_oiii"`
	LeakB float64 `json:"leak_oiii"`
}

// ResidualsOf returns W·Q - I for the coefficients c.
func ResidualsOf(c model.Coefficients, m model.QEMatrix) Residuals {
	w := mat.NewDense(2, 3, []float64{
		c.HydrogenAlpha[0], c.HydrogenAlpha[1], c.HydrogenAlpha[2],
		c.OxygenIII[0], c.OxygenIII[1], c.OxygenIII[2],
	})
	var prod mat.Dense
	prod.Mul(w, Matrix(m))
	return Residuals{
		GainA: prod.At(0, 0) - 1,
		LeakA: prod.At(0, 1),
		GainB: prod.At(1, 1) - 1,
		LeakB: prod.At(1, 0),
	}
}

// Max returns the largest absolute residual.
func (r Residuals) Max() float64 {
	return math.Max(math.Max(math.Abs(r.GainA), math.Abs(r.LeakA)), math.Max(math.Abs(r.GainB), math.Abs(r.LeakB)))
}
