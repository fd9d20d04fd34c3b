package unmix

import (
	"errors"
	"math"
	"testing"

	"duosplit/internal/model"
)

func testImage(t *testing.T) model.Image {
	t.Helper()
	img, err := model.NewImage(2, 2,
		[]float64{1, 0, 0, 2},
		[]float64{0.3, 1, 0.3, 0},
		[]float64{0, 0, 1, 0},
	)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	return img
}

func TestApplySeparatesLines(t *testing.T) {
	coeffs := model.Coefficients{
		HydrogenAlpha: model.Triple{1, 0, 0},
		OxygenIII:     model.Triple{0, 0, 1},
	}
	planes, err := Apply(testImage(t), coeffs, Options{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	wantHa := []float64{1, 0, 0, 2}
	wantO := []float64{0, 0, 1, 0}
	for i := range wantHa {
		if planes.HydrogenAlpha[i] != wantHa[i] || planes.OxygenIII[i] != wantO[i] {
			t.Fatalf("pixel %d: ha=%g oiii=%g", i, planes.HydrogenAlpha[i], planes.OxygenIII[i])
		}
	}
}

func TestApplyClampAndNormalize(t *testing.T) {
	coeffs := model.Coefficients{
		HydrogenAlpha: model.Triple{1, -1, 0},
		OxygenIII:     model.Triple{0, 0, 1},
	}
	planes, err := Apply(testImage(t), coeffs, Options{ClampNegative: true, Normalize: true})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// raw ha: 0.7, -1, -0.3, 2
	want := []float64{0.35, 0, 0, 1}
	for i, v := range planes.HydrogenAlpha {
		if math.Abs(v-want[i]) > 1e-12 {
			t.Fatalf("ha[%d]=%g want=%g", i, v, want[i])
		}
	}
	if s := Stats(planes.OxygenIII); s.Max != 1 || s.Min != 0 {
		t.Fatalf("unexpected oiii stats %+v", s)
	}
}

func TestNormalizeSkipsNonPositivePlane(t *testing.T) {
	plane := []float64{-1, -2}
	normalize(plane)
	if plane[0] != -1 || plane[1] != -2 {
		t.Fatalf("plane changed: %v", plane)
	}
}

func TestApplyRejectsInvalidImage(t *testing.T) {
	_, err := Apply(model.Image{Width: 2, Height: 2}, model.Coefficients{}, DefaultOptions())
	if !errors.Is(err, model.ErrInvalidImage) {
		t.Fatalf("expected invalid image, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := Stats([]float64{1, 3, -1, 1})
	if s.Min != -1 || s.Max != 3 || s.Mean != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if (Stats(nil) != PlaneStats{}) {
		t.Fatal("expected zero stats for empty plane")
	}
}

func TestPlanesStatsKeyedByLine(t *testing.T) {
	planes := Planes{Width: 2, Height: 1, HydrogenAlpha: []float64{0, 2}, OxygenIII: []float64{4, 4}}
	got := planes.Stats()
	if len(got) != 2 {
		t.Fatalf("expected two planes, got %+v", got)
	}
	if got["ha"] != (PlaneStats{Min: 0, Max: 2, Mean: 1}) {
		t.Fatalf("unexpected ha stats %+v", got["ha"])
	}
	if got["oiii"] != (PlaneStats{Min: 4, Max: 4, Mean: 4}) {
		t.Fatalf("unexpected oiii stats %+v", got["oiii"])
	}
}
