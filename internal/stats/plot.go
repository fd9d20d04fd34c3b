package stats

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotFitness renders the best-per-generation trace and, when present, the
// running best. The image format follows the file extension.
func PlotFitness(path string, bestByGeneration, bestSoFar []float64) error {
	p := plot.New()
	p.Title.Text = "Fitness"
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Fitness"

	lines := []interface{}{"best", seriesXYs(bestByGeneration)}
	if len(bestSoFar) > 0 {
		lines = append(lines, "best so far", seriesXYs(bestSoFar))
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return fmt.Errorf("plot fitness: %w", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save fitness plot: %w", err)
	}
	return nil
}

func seriesXYs(series []float64) plotter.XYs {
	xys := make(plotter.XYs, len(series))
	for i, v := range series {
		xys[i].X = float64(i)
		xys[i].Y = v
	}
	return xys
}
