package evo

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrConfig           = errors.New("configuration error")
	ErrInvalidConfig    = errors.New("invalid evolution parameter")
	ErrNonFiniteFitness = errors.New("non-finite fitness")
)

// ConfigError reports a run that cannot start or continue because of its
// inputs. It matches ErrConfig and the underlying cause with errors.Is.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// Params are the algorithm parameters of one run.
type Params struct {
	PopulationSize int     `json:"population_size" yaml:"population_size" mapstructure:"population_size"`
	Generations    int     `json:"generations" yaml:"generations" mapstructure:"generations"`
	Elitism        int     `json:"elitism" yaml:"elitism" mapstructure:"elitism"`
	InitialStd     float64 `json:"initial_std" yaml:"initial_std" mapstructure:"initial_std"`
	DecayRate      float64 `json:"decay_rate" yaml:"decay_rate" mapstructure:"decay_rate"`
	Seed           int64   `json:"seed" yaml:"seed" mapstructure:"seed"`
}

func DefaultParams() Params {
	return Params{
		PopulationSize: 100,
		Generations:    250,
		Elitism:        5,
		InitialStd:     0.5,
		DecayRate:      0.1,
		Seed:           1,
	}
}

// Validate rejects parameters the driver cannot honour. Elitism above the
// population size is an error, not clamped.
func (p Params) Validate() error {
	switch {
	case p.PopulationSize <= 0:
		return &ConfigError{Field: "population_size", Err: fmt.Errorf("%w: population size must be > 0", ErrInvalidConfig)}
	case p.Generations <= 0:
		return &ConfigError{Field: "generations", Err: fmt.Errorf("%w: generations must be > 0", ErrInvalidConfig)}
	case p.Elitism < 0 || p.Elitism > p.PopulationSize:
		return &ConfigError{Field: "elitism", Err: fmt.Errorf("%w: elitism must be in [0, %d], got %d", ErrInvalidConfig, p.PopulationSize, p.Elitism)}
	case p.InitialStd < 0 || math.IsNaN(p.InitialStd) || math.IsInf(p.InitialStd, 0):
		return &ConfigError{Field: "initial_std", Err: fmt.Errorf("%w: initial std must be finite and >= 0", ErrInvalidConfig)}
	case p.DecayRate < 0 || math.IsNaN(p.DecayRate) || math.IsInf(p.DecayRate, 0):
		return &ConfigError{Field: "decay_rate", Err: fmt.Errorf("%w: decay rate must be finite and >= 0", ErrInvalidConfig)}
	}
	return nil
}

// MutationSchedule is the exponentially decaying mutation spread.
type MutationSchedule struct {
	Initial float64
	Decay   float64
}

func (s MutationSchedule) At(generation int) float64 {
	return s.Initial * math.Exp(-s.Decay*float64(generation))
}
