package model

import (
	"errors"
	"fmt"
)

var ErrInvalidImage = errors.New("invalid channel image")

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`
	CodecVersion  int `json:"codec_version" yaml:"codec_version"`
}

// QuantumEfficiency is one sensor channel's response at the two line wavelengths.
type QuantumEfficiency struct {
	HydrogenAlpha float64 `json:"ha" yaml:"ha"`
	OxygenIII     float64 `json:"oiii" yaml:"oiii"`
}

// QEMatrix is the camera's spectral-response matrix: one QuantumEfficiency per
// colour channel.
type QEMatrix struct {
	Red   QuantumEfficiency `json:"qe_red" yaml:"qe_red"`
	Green QuantumEfficiency `json:"qe_green" yaml:"qe_green"`
	Blue  QuantumEfficiency `json:"qe_blue" yaml:"qe_blue"`
}

// HydrogenAlpha returns the (R, G, B) response to the hydrogen-alpha line.
func (m QEMatrix) HydrogenAlpha() Triple {
	return Triple{m.Red.HydrogenAlpha, m.Green.HydrogenAlpha, m.Blue.HydrogenAlpha}
}

// OxygenIII returns the (R, G, B) response to the oxygen-III line.
func (m QEMatrix) OxygenIII() Triple {
	return Triple{m.Red.OxygenIII, m.Green.OxygenIII, m.Blue.OxygenIII}
}

// Triple holds one value per colour channel in R, G, B order.
type Triple [3]float64

func (t Triple) Dot(o Triple) float64 {
	return t[0]*o[0] + t[1]*o[1] + t[2]*o[2]
}

// Apply returns the triple's weighted sum of one pixel.
func (t Triple) Apply(r, g, b float64) float64 {
	return t[0]*r + t[1]*g + t[2]*b
}

// Coefficients is a complete unmixing solution.
type Coefficients struct {
	HydrogenAlpha Triple `json:"ha"`
	OxygenIII     Triple `json:"oiii"`
}

// Swapped exchanges the two line triples.
func (c Coefficients) Swapped() Coefficients {
	return Coefficients{HydrogenAlpha: c.OxygenIII, OxygenIII: c.HydrogenAlpha}
}

// Camera is a named QE profile.
type Camera struct {
	VersionedRecord `yaml:",inline"`
	Name            string `json:"name" yaml:"name"`
	QEMatrix        `yaml:",inline"`
}

// Image is a three-channel, row-major sample buffer.
type Image struct {
	Width  int
	Height int
	Red    []float64
	Green  []float64
	Blue   []float64
}

func NewImage(width, height int, red, green, blue []float64) (Image, error) {
	img := Image{Width: width, Height: height, Red: red, Green: green, Blue: blue}
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

func (img Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, img.Width, img.Height)
	}
	n := img.Width * img.Height
	if len(img.Red) != n || len(img.Green) != n || len(img.Blue) != n {
		return fmt.Errorf("%w: channel lengths r=%d g=%d b=%d want=%d", ErrInvalidImage, len(img.Red), len(img.Green), len(img.Blue), n)
	}
	return nil
}

// Len returns the pixel count.
func (img Image) Len() int {
	return len(img.Red)
}

// Interleaved packs the channels as [r0 g0 b0 r1 g1 b1 ...] in device precision.
func (img Image) Interleaved() []float32 {
	out := make([]float32, 0, 3*img.Len())
	for i := range img.Red {
		out = append(out, float32(img.Red[i]), float32(img.Green[i]), float32(img.Blue[i]))
	}
	return out
}

type GenerationDiagnostics struct {
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	WorstFitness float64 `json:"worst_fitness"`
	BestSoFar    float64 `json:"best_so_far"`
	MutationStd  float64 `json:"mutation_std"`
	ElapsedMS    float64 `json:"elapsed_ms"`
}

// RunRecord summarises one completed unmixing run.
type RunRecord struct {
	VersionedRecord
	ID                 string       `json:"id"`
	CreatedAtUTC       string       `json:"created_at_utc"`
	Input              string       `json:"input,omitempty"`
	Camera             string       `json:"camera,omitempty"`
	Encoding           string       `json:"encoding"`
	Statistic          string       `json:"statistic"`
	Backend            string       `json:"backend"`
	Width              int          `json:"width"`
	Height             int          `json:"height"`
	PopulationSize     int          `json:"population_size"`
	Generations        int          `json:"generations"`
	Elitism            int          `json:"elitism"`
	InitialStd         float64      `json:"initial_std"`
	DecayRate          float64      `json:"decay_rate"`
	Seed               int64        `json:"seed"`
	QE                 QEMatrix     `json:"qe"`
	Coefficients       Coefficients `json:"coefficients"`
	InitialBestFitness float64      `json:"initial_best_fitness"`
	BestFitness        float64      `json:"best_fitness"`
	Swapped            bool         `json:"swapped"`
}
