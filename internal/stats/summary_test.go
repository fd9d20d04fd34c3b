package stats

import (
	"math"
	"testing"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{4, 2, 2, 0})
	if s.Generations != 3 || s.Initial != 4 || s.Final != 0 || s.Improvement != 4 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Min != 0 || s.Max != 4 || s.Mean != 2 {
		t.Fatalf("unexpected extrema: %+v", s)
	}
	if math.Abs(s.StdDev-math.Sqrt(8.0/3.0)) > 1e-12 {
		t.Fatalf("unexpected std: %g", s.StdDev)
	}
}

func TestSummarizeShortSeries(t *testing.T) {
	if (Summarize(nil) != SeriesSummary{}) {
		t.Fatal("expected zero summary")
	}
	s := Summarize([]float64{1.5})
	if s.StdDev != 0 || s.Final != 1.5 || s.Generations != 0 {
		t.Fatalf("unexpected single-point summary: %+v", s)
	}
}
