package evo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"duosplit/internal/distr"
	"duosplit/internal/genotype"
	"duosplit/internal/model"
)

// Evaluator scores a whole population in one batch. Lower is better and the
// result is index-aligned with population.
type Evaluator[G any] interface {
	Evaluate(ctx context.Context, population []G) ([]float64, error)
}

// Observer receives the diagnostics of every evaluated generation.
type Observer func(model.GenerationDiagnostics)

type Scored[G any] struct {
	Genome  G
	Fitness float64
}

type Config[G any] struct {
	Params    Params
	Encoding  genotype.Encoding[G]
	Evaluator Evaluator[G]
	Selector  Selector
	Sampler   genotype.Sampler
	Observer  Observer
}

type Result[G any] struct {
	// Best is the evolved genome. When Swapped is set, Coefficients is its
	// decoding with the two lines exchanged.
	Best               G
	Coefficients       model.Coefficients
	BestFitness        float64
	InitialBestFitness float64
	// BestByGeneration holds the best fitness of every evaluated population:
	// one entry per generation plus the final population.
	BestByGeneration []float64
	BestSoFar        []float64
	Diagnostics      []model.GenerationDiagnostics
	FinalPopulation  []Scored[G]
	Swapped          bool
	Warnings         []string
}

// Driver runs the generational loop: evaluate, rank, carry elites, and fill the
// rest by tournament selection plus Gaussian mutation.
type Driver[G any] struct {
	cfg      Config[G]
	rng      *rand.Rand
	schedule MutationSchedule
}

func NewDriver[G any](cfg Config[G]) (*Driver[G], error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Encoding == nil {
		return nil, &ConfigError{Field: "encoding", Err: fmt.Errorf("%w: encoding is required", ErrInvalidConfig)}
	}
	if cfg.Evaluator == nil {
		return nil, &ConfigError{Field: "evaluator", Err: fmt.Errorf("%w: evaluator is required", ErrInvalidConfig)}
	}
	if err := cfg.Encoding.Validate(); err != nil {
		return nil, &ConfigError{Field: "qe", Err: err}
	}
	if cfg.Selector == nil {
		cfg.Selector = TournamentSelector{}
	}
	if cfg.Sampler == nil {
		cfg.Sampler = distr.NewNormal(0, 1)
	}
	return &Driver[G]{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Params.Seed)),
		schedule: MutationSchedule{Initial: cfg.Params.InitialStd, Decay: cfg.Params.DecayRate},
	}, nil
}

func (d *Driver[G]) Schedule() MutationSchedule {
	return d.schedule
}

// InitialPopulation draws PopulationSize random genomes.
func (d *Driver[G]) InitialPopulation() []G {
	population := make([]G, d.cfg.Params.PopulationSize)
	for i := range population {
		population[i] = d.cfg.Encoding.Random(d.rng)
	}
	return population
}

func (d *Driver[G]) Run(ctx context.Context) (Result[G], error) {
	return d.RunFrom(ctx, d.InitialPopulation())
}

// RunFrom runs every generation starting from initial. Either all generations
// complete and a best genome is returned, or the run fails as a whole.
func (d *Driver[G]) RunFrom(ctx context.Context, initial []G) (Result[G], error) {
	p := d.cfg.Params
	if len(initial) != p.PopulationSize {
		return Result[G]{}, &ConfigError{
			Field: "population_size",
			Err:   fmt.Errorf("%w: initial population mismatch: got=%d want=%d", ErrInvalidConfig, len(initial), p.PopulationSize),
		}
	}

	population := make([]G, len(initial))
	copy(population, initial)

	result := Result[G]{
		BestByGeneration: make([]float64, 0, p.Generations+1),
		BestSoFar:        make([]float64, 0, p.Generations+1),
		Diagnostics:      make([]model.GenerationDiagnostics, 0, p.Generations+1),
	}
	record := func(gen int, fitness []float64, ranked []int, started time.Time) {
		best := fitness[ranked[0]]
		bestSoFar := best
		if n := len(result.BestSoFar); n > 0 && result.BestSoFar[n-1] < best {
			bestSoFar = result.BestSoFar[n-1]
		}
		result.BestByGeneration = append(result.BestByGeneration, best)
		result.BestSoFar = append(result.BestSoFar, bestSoFar)
		diag := summarizeGeneration(fitness, ranked, gen, bestSoFar, d.schedule.At(gen))
		diag.ElapsedMS = float64(time.Since(started).Microseconds()) / 1000
		result.Diagnostics = append(result.Diagnostics, diag)
		if d.cfg.Observer != nil {
			d.cfg.Observer(diag)
		}
	}

	for gen := 0; gen < p.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return Result[G]{}, err
		}
		started := time.Now()
		fitness, err := d.evaluate(ctx, population, gen)
		if err != nil {
			return Result[G]{}, err
		}
		ranked := rank(fitness)
		if gen == 0 {
			result.InitialBestFitness = fitness[ranked[0]]
		}
		population, err = d.breed(population, fitness, ranked, gen)
		if err != nil {
			return Result[G]{}, err
		}
		record(gen, fitness, ranked, started)
	}

	if err := ctx.Err(); err != nil {
		return Result[G]{}, err
	}
	started := time.Now()
	fitness, err := d.evaluate(ctx, population, p.Generations)
	if err != nil {
		return Result[G]{}, err
	}
	ranked := rank(fitness)
	record(p.Generations, fitness, ranked, started)

	result.FinalPopulation = make([]Scored[G], len(ranked))
	for pos, idx := range ranked {
		result.FinalPopulation[pos] = Scored[G]{Genome: population[idx], Fitness: fitness[idx]}
	}

	best := population[ranked[0]]
	result.BestFitness = fitness[ranked[0]]
	coeffs, err := d.cfg.Encoding.Decode(best)
	if err != nil {
		return Result[G]{}, &ConfigError{Field: "qe", Err: err}
	}
	result.Best = best
	result.Coefficients = coeffs
	d.correctLineIdentity(&result)
	return result, nil
}

// correctLineIdentity swaps the line assignment when line A's free parameter
// is below line B's. The ordering test is a heuristic, not a guarantee.
func (d *Driver[G]) correctLineIdentity(result *Result[G]) {
	if !genotype.ASmallerThanB(d.cfg.Encoding, result.Best) {
		return
	}
	a, b := d.cfg.Encoding.FreeParameters(result.Best)
	result.Coefficients = result.Coefficients.Swapped()
	result.Swapped = true
	result.Warnings = append(result.Warnings, fmt.Sprintf(
		"line A free parameter %.6g is below line B free parameter %.6g; line assignment swapped", a, b))
}

// Breed builds the next population from population and its fitness vector.
func (d *Driver[G]) Breed(population []G, fitness []float64, generation int) ([]G, error) {
	if len(fitness) != len(population) {
		return nil, fmt.Errorf("fitness length mismatch: got=%d want=%d", len(fitness), len(population))
	}
	return d.breed(population, fitness, rank(fitness), generation)
}

func (d *Driver[G]) breed(population []G, fitness []float64, ranked []int, generation int) ([]G, error) {
	next := make([]G, 0, len(population))
	for _, idx := range ranked[:d.cfg.Params.Elitism] {
		next = append(next, population[idx])
	}
	std := d.schedule.At(generation)
	for len(next) < len(population) {
		parent, err := d.cfg.Selector.PickParent(d.rng, fitness, ranked)
		if err != nil {
			return nil, fmt.Errorf("generation %d: select parent: %w", generation, err)
		}
		next = append(next, d.cfg.Encoding.Mutate(d.rng, d.cfg.Sampler, population[parent], std))
	}
	return next, nil
}

func (d *Driver[G]) evaluate(ctx context.Context, population []G, generation int) ([]float64, error) {
	fitness, err := d.cfg.Evaluator.Evaluate(ctx, population)
	if err != nil {
		return nil, fmt.Errorf("generation %d: evaluate: %w", generation, err)
	}
	if len(fitness) != len(population) {
		return nil, fmt.Errorf("generation %d: evaluator returned %d scores for %d genomes", generation, len(fitness), len(population))
	}
	for idx, f := range fitness {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &ConfigError{
				Field: "fitness",
				Err:   fmt.Errorf("%w: generation %d genome %d scored %g", ErrNonFiniteFitness, generation, idx, f),
			}
		}
	}
	return fitness, nil
}

// rank orders indices by ascending fitness; equal scores keep index order.
func rank(fitness []float64) []int {
	ranked := make([]int, len(fitness))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return fitness[ranked[i]] < fitness[ranked[j]]
	})
	return ranked
}

func summarizeGeneration(fitness []float64, ranked []int, generation int, bestSoFar, std float64) model.GenerationDiagnostics {
	total := 0.0
	for _, f := range fitness {
		total += f
	}
	return model.GenerationDiagnostics{
		Generation:   generation,
		BestFitness:  fitness[ranked[0]],
		MeanFitness:  total / float64(len(fitness)),
		WorstFitness: fitness[ranked[len(ranked)-1]],
		BestSoFar:    bestSoFar,
		MutationStd:  std,
	}
}
