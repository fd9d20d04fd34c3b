package distr

import (
	"math"
	"math/rand"
	"testing"
)

func TestNormalSampleMoments(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dist := NewNormal(2.0, 0.5)

	const n = 200000
	sum := 0.0
	sumSq := 0.0
	for i := 0; i < n; i++ {
		v := dist.Sample(rng)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite sample at %d: %v", i, v)
		}
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	std := math.Sqrt(sumSq/n - mean*mean)
	if math.Abs(mean-2.0) > 0.01 {
		t.Fatalf("unexpected mean: %f", mean)
	}
	if math.Abs(std-0.5) > 0.01 {
		t.Fatalf("unexpected std: %f", std)
	}
}

func TestNormalSampleDeterministicForSeed(t *testing.T) {
	a := rand.New(rand.NewSource(99))
	b := rand.New(rand.NewSource(99))
	dist := NewNormal(0, 1)
	for i := 0; i < 100; i++ {
		if x, y := dist.Sample(a), dist.Sample(b); x != y {
			t.Fatalf("sample %d differs: %v != %v", i, x, y)
		}
	}
}

func TestNormalZeroStdReturnsMean(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dist := NewNormal(-3, 0)
	for i := 0; i < 10; i++ {
		if v := dist.Sample(rng); v != -3 {
			t.Fatalf("expected mean, got %v", v)
		}
	}
}
