package storage

import "duosplit/internal/model"

func sampleRun(id, created string) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		CreatedAtUTC:    created,
		Encoding:        "reduced",
		Statistic:       "energy",
		Backend:         "cpu",
		Width:           2,
		Height:          2,
		PopulationSize:  100,
		Generations:     250,
		Elitism:         5,
		InitialStd:      0.5,
		DecayRate:       0.1,
		Seed:            7,
		Coefficients: model.Coefficients{
			HydrogenAlpha: model.Triple{1, 0, 0},
			OxygenIII:     model.Triple{0, 0, 1},
		},
		BestFitness: 0.5,
	}
}

func sampleCamera(name string) model.Camera {
	return model.Camera{
		VersionedRecord: Versioned(),
		Name:            name,
		QEMatrix: model.QEMatrix{
			Red:   model.QuantumEfficiency{HydrogenAlpha: 0.8, OxygenIII: 0.05},
			Green: model.QuantumEfficiency{HydrogenAlpha: 0.1, OxygenIII: 0.6},
			Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.02, OxygenIII: 0.45},
		},
	}
}
