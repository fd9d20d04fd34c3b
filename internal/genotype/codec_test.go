package genotype

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"duosplit/internal/model"
)

func testQE() model.QEMatrix {
	return model.QEMatrix{
		Red:   model.QuantumEfficiency{HydrogenAlpha: 0.8, OxygenIII: 0.05},
		Green: model.QuantumEfficiency{HydrogenAlpha: 0.1, OxygenIII: 0.6},
		Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.02, OxygenIII: 0.45},
	}
}

func TestExpandLineSatisfiesResponseModel(t *testing.T) {
	qe := testQE()
	ha, oiii := qe.HydrogenAlpha(), qe.OxygenIII()
	for _, i := range []float64{-1, -0.5, 0, 0.25, 0.99} {
		w, err := ExpandLine(i, ha, oiii)
		if err != nil {
			t.Fatalf("expand %g: %v", i, err)
		}
		if w[0] != i {
			t.Fatalf("expected red coefficient %g, got %g", i, w[0])
		}
		if got := w.Dot(ha); math.Abs(got-1) > 1e-9 {
			t.Fatalf("i=%g: expected unit own response, got %g", i, got)
		}
		if got := w.Dot(oiii); math.Abs(got) > 1e-9 {
			t.Fatalf("i=%g: expected zero crosstalk, got %g", i, got)
		}
	}
}

func TestExpandLineIdentityLikeMatrix(t *testing.T) {
	ha := model.Triple{1, 0.3, 0}
	oiii := model.Triple{0, 0.3, 1}
	w, err := ExpandLine(1, ha, oiii)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := model.Triple{1, 0, 0}
	for c := range want {
		if math.Abs(w[c]-want[c]) > 1e-12 {
			t.Fatalf("expected %v, got %v", want, w)
		}
	}
	w, err = ExpandLine(0.4, ha, oiii)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if math.Abs(w[1]-0.6/0.3) > 1e-12 || math.Abs(w[2]+0.6) > 1e-12 {
		t.Fatalf("unexpected expansion for i=0.4: %v", w)
	}
}

func TestRoundTripRecoversFreeParameters(t *testing.T) {
	enc := NewReducedEncoding(testQE())
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		g := enc.Random(rng)
		coeffs, err := enc.Decode(g)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		back, err := enc.Recover(coeffs)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if math.Abs(back.I-g.I) > 1e-9 || math.Abs(back.X-g.X) > 1e-9 {
			t.Fatalf("round trip mismatch: got=%+v want=%+v", back, g)
		}
	}
}

func TestRecoverFreeUsesBlueRelationWhenGreenVanishes(t *testing.T) {
	// a*f == b*e makes the green relation independent of i.
	own := model.Triple{0.5, 0.2, 0.1}
	other := model.Triple{1, 0.6, 0.2}
	w, err := ExpandLine(-0.3, own, other)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	i, err := RecoverFree(w[2], w[1], own, other)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if math.Abs(i+0.3) > 1e-9 {
		t.Fatalf("expected -0.3, got %g", i)
	}
}

func TestDegenerateMatrixIsRejected(t *testing.T) {
	qe := model.QEMatrix{
		Red:   model.QuantumEfficiency{HydrogenAlpha: 0.9, OxygenIII: 0.1},
		Green: model.QuantumEfficiency{HydrogenAlpha: 0.3, OxygenIII: 0.3},
		Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.6, OxygenIII: 0.6},
	}
	if err := ValidateQE(qe); !errors.Is(err, ErrDegenerateQE) {
		t.Fatalf("expected degenerate qe error, got %v", err)
	}
	if _, err := ExpandLine(0.5, qe.HydrogenAlpha(), qe.OxygenIII()); !errors.Is(err, ErrDegenerateQE) {
		t.Fatalf("expected degenerate expansion error, got %v", err)
	}
	if _, err := NewReducedEncoding(qe).Decode(Reduced{I: 0.5, X: 0.5}); !errors.Is(err, ErrDegenerateQE) {
		t.Fatalf("expected degenerate decode error, got %v", err)
	}
}

func TestValidateQERejectsNonFiniteResponse(t *testing.T) {
	qe := testQE()
	qe.Blue.OxygenIII = math.NaN()
	if err := ValidateQE(qe); !errors.Is(err, ErrDegenerateQE) {
		t.Fatalf("expected degenerate qe error, got %v", err)
	}
}

func TestExpandFreeDivergesOnZeroDenominator(t *testing.T) {
	j, k := ExpandFree(0.5, 1, 0.3, 0.6, 0, 0.3, 0.6)
	if !math.IsNaN(j) && !math.IsInf(j, 0) {
		t.Fatalf("expected non-finite j, got %g", j)
	}
	if !math.IsNaN(k) && !math.IsInf(k, 0) {
		t.Fatalf("expected non-finite k, got %g", k)
	}
}
