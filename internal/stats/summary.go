package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SeriesSummary describes a best-fitness trace. Improvement is positive when
// the final value is below the initial one.
type SeriesSummary struct {
	Generations int     `json:"generations"`
	Initial     float64 `json:"initial"`
	Final       float64 `json:"final"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Improvement float64 `json:"improvement"`
}

func Summarize(series []float64) SeriesSummary {
	if len(series) == 0 {
		return SeriesSummary{}
	}
	mean, std := stat.MeanStdDev(series, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return SeriesSummary{
		Generations: len(series) - 1,
		Initial:     series[0],
		Final:       series[len(series)-1],
		Min:         floats.Min(series),
		Max:         floats.Max(series),
		Mean:        mean,
		StdDev:      std,
		Improvement: series[0] - series[len(series)-1],
	}
}
