// Package unmix applies a set of line coefficients to an RGB image.
package unmix

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"duosplit/internal/model"
)

type Options struct {
	// ClampNegative zeroes negative samples in both output planes.
	ClampNegative bool
	// Normalize rescales each plane so its maximum becomes 1.
	Normalize bool
}

func DefaultOptions() Options {
	return Options{ClampNegative: true}
}

// Planes holds the two separated line images.
type Planes struct {
	Width         int
	Height        int
	HydrogenAlpha []float64
	OxygenIII     []float64
}

// PlaneStats summarises one output plane.
type PlaneStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

func Apply(img model.Image, c model.Coefficients, opts Options) (Planes, error) {
	if err := img.Validate(); err != nil {
		return Planes{}, fmt.Errorf("unmix: %w", err)
	}
	out := Planes{
		Width:         img.Width,
		Height:        img.Height,
		HydrogenAlpha: make([]float64, img.Len()),
		OxygenIII:     make([]float64, img.Len()),
	}
	for p := range out.HydrogenAlpha {
		r, g, b := img.Red[p], img.Green[p], img.Blue[p]
		out.HydrogenAlpha[p] = c.HydrogenAlpha.Apply(r, g, b)
		out.OxygenIII[p] = c.OxygenIII.Apply(r, g, b)
	}
	if opts.ClampNegative {
		clamp(out.HydrogenAlpha)
		clamp(out.OxygenIII)
	}
	if opts.Normalize {
		normalize(out.HydrogenAlpha)
		normalize(out.OxygenIII)
	}
	return out, nil
}

func Stats(plane []float64) PlaneStats {
	if len(plane) == 0 {
		return PlaneStats{}
	}
	return PlaneStats{
		Min:  floats.Min(plane),
		Max:  floats.Max(plane),
		Mean: stat.Mean(plane, nil),
	}
}

// Stats summarises both planes, keyed by line name.
func (p Planes) Stats() map[string]PlaneStats {
	return map[string]PlaneStats{
		"ha":   Stats(p.HydrogenAlpha),
		"oiii": Stats(p.OxygenIII),
	}
}

func clamp(plane []float64) {
	for i, v := range plane {
		if v < 0 {
			plane[i] = 0
		}
	}
}

// normalize leaves planes without a positive maximum untouched.
func normalize(plane []float64) {
	maxV := 0.0
	for _, v := range plane {
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= 0 {
		return
	}
	for i := range plane {
		plane[i] /= maxV
	}
}
