package duosplit

import (
	"context"

	"duosplit/internal/compute"
	"duosplit/internal/evo"
	"duosplit/internal/genotype"
	"duosplit/internal/model"
)

// outcome is the encoding-independent part of a driver result.
type outcome struct {
	coefficients     model.Coefficients
	initialBest      float64
	best             float64
	bestByGeneration []float64
	bestSoFar        []float64
	diagnostics      []model.GenerationDiagnostics
	swapped          bool
	warnings         []string
	chunks           int
}

func evolve[G any](
	ctx context.Context,
	dev compute.Device,
	enc genotype.Encoding[G],
	img model.Image,
	matrix model.QEMatrix,
	cfg compute.Config,
	params evo.Params,
	selector evo.Selector,
	observer evo.Observer,
) (outcome, error) {
	evaluator, err := compute.Open[G](dev, enc, img, matrix, cfg)
	if err != nil {
		return outcome{}, err
	}
	defer evaluator.Close()

	driver, err := evo.NewDriver(evo.Config[G]{
		Params:    params,
		Encoding:  enc,
		Evaluator: evaluator,
		Selector:  selector,
		Observer:  observer,
	})
	if err != nil {
		return outcome{}, err
	}
	result, err := driver.Run(ctx)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		coefficients:     result.Coefficients,
		initialBest:      result.InitialBestFitness,
		best:             result.BestFitness,
		bestByGeneration: result.BestByGeneration,
		bestSoFar:        result.BestSoFar,
		diagnostics:      result.Diagnostics,
		swapped:          result.Swapped,
		warnings:         result.Warnings,
		chunks:           evaluator.Config().Chunks,
	}, nil
}
