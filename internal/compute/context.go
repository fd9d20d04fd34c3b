package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duosplit/internal/genotype"
	"duosplit/internal/model"
)

const (
	DefaultChunks     = 64
	DefaultMapTimeout = 30 * time.Second
)

var ErrInvalidConfig = errors.New("invalid compute config")

type Config struct {
	// Chunks shards each genome's pixel reduction; partials are summed on the host.
	Chunks     int
	MapTimeout time.Duration
	Statistic  Statistic
}

func DefaultConfig() Config {
	return Config{Chunks: DefaultChunks, MapTimeout: DefaultMapTimeout, Statistic: StatisticEnergy}
}

func (c Config) withDefaults() (Config, error) {
	if c.Chunks == 0 {
		c.Chunks = DefaultChunks
	}
	if c.Chunks < 0 {
		return Config{}, fmt.Errorf("%w: chunks must be > 0", ErrInvalidConfig)
	}
	if c.MapTimeout == 0 {
		c.MapTimeout = DefaultMapTimeout
	}
	if c.MapTimeout < 0 {
		return Config{}, fmt.Errorf("%w: map timeout must be > 0", ErrInvalidConfig)
	}
	if c.Statistic == "" {
		c.Statistic = StatisticEnergy
	}
	if err := c.Statistic.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// Context owns the long-lived device state of one optimization run: the
// compiled kernel, the uploaded image and the three QE uniforms. It is not
// safe for concurrent use.
type Context[G any] struct {
	dev    Device
	enc    genotype.Encoding[G]
	cfg    Config
	pixels int

	kernel Kernel
	image  Buffer
	qe     [3]Buffer
	closed bool
}

// Open validates the inputs, compiles the fitness kernel and uploads the image
// and QE uniforms. The device stays owned by the caller.
func Open[G any](dev Device, enc genotype.Encoding[G], img model.Image, qe model.QEMatrix, cfg Config) (*Context[G], error) {
	if dev == nil {
		return nil, &DeviceError{Op: "open", Err: ErrBackendUnavailable}
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: encoding is required", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := genotype.ValidateQE(qe); err != nil {
		return nil, err
	}
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}

	c := &Context[G]{dev: dev, enc: enc, cfg: cfg, pixels: img.Len()}
	c.kernel, err = dev.CompileFitness(KernelSpec{Layout: enc.Layout(), Statistic: cfg.Statistic})
	if err != nil {
		return nil, deviceError("compile", err)
	}
	c.image, err = dev.CreateBuffer(img.Interleaved(), UsageStorage)
	if err != nil {
		return nil, deviceError("upload image", err)
	}
	channels := []model.QuantumEfficiency{qe.Red, qe.Green, qe.Blue}
	for idx, channel := range channels {
		c.qe[idx], err = dev.CreateBuffer(qeUniform(channel), UsageUniform)
		if err != nil {
			_ = c.release()
			return nil, deviceError("upload qe", err)
		}
	}
	return c, nil
}

func (c *Context[G]) Backend() string {
	return c.dev.Name()
}

func (c *Context[G]) Pixels() int {
	return c.pixels
}

func (c *Context[G]) Config() Config {
	return c.cfg
}

// Evaluate scores every genome of population in one device pass. The result is
// index-aligned with population; lower is better. The call blocks once, until
// the fitness readback is mapped or MapTimeout elapses.
func (c *Context[G]) Evaluate(ctx context.Context, population []G) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, &DeviceError{Op: "evaluate", Err: ErrClosed}
	}
	if len(population) == 0 {
		return []float64{}, nil
	}

	params := KernelParams{Genomes: len(population), Chunks: c.cfg.Chunks, Pixels: c.pixels}
	cells := params.Genomes * params.Chunks

	genomes, err := c.dev.CreateBuffer(genotype.PackPopulation(c.enc, population), UsageStorage)
	if err != nil {
		return nil, deviceError("upload genomes", err)
	}
	defer func() { _ = c.dev.ReleaseBuffer(genomes) }()
	fitness, err := c.dev.CreateEmptyBuffer(cells, UsageStorage|UsageCopySrc)
	if err != nil {
		return nil, deviceError("allocate fitness", err)
	}
	defer func() { _ = c.dev.ReleaseBuffer(fitness) }()
	staging, err := c.dev.CreateEmptyBuffer(cells, UsageCopyDst|UsageMapRead)
	if err != nil {
		return nil, deviceError("allocate staging", err)
	}
	defer func() { _ = c.dev.ReleaseBuffer(staging) }()

	sub, err := c.dev.Submit([]Command{
		{Dispatch: &Dispatch{
			Kernel: c.kernel,
			Bindings: Bindings{
				Genomes: genomes,
				Fitness: fitness,
				Image:   c.image,
				QE:      c.qe,
			},
			Params: params,
			Grid:   GridFor(params),
		}},
		{Copy: &Copy{Src: fitness, Dst: staging}},
	})
	if err != nil {
		return nil, deviceError("submit", err)
	}

	mapped := make(chan MapResult, 1)
	if err := c.dev.MapRead(staging, sub, func(r MapResult) { mapped <- r }); err != nil {
		return nil, deviceError("map", err)
	}
	if err := c.dev.Poll(sub, c.cfg.MapTimeout); err != nil {
		return nil, deviceError("poll", err)
	}

	timer := time.NewTimer(c.cfg.MapTimeout)
	defer timer.Stop()
	var result MapResult
	select {
	case result = <-mapped:
	case <-timer.C:
		return nil, &DeviceError{Op: "map", Err: ErrMapTimeout}
	}
	if result.Err != nil {
		return nil, deviceError("map", result.Err)
	}
	if len(result.Data) < cells {
		_ = c.dev.Unmap(staging)
		return nil, &DeviceError{Op: "map", Err: fmt.Errorf("%w: mapped %d of %d cells", ErrInvalidBuffer, len(result.Data), cells)}
	}

	out := make([]float64, len(population))
	for g := range population {
		var sum float64
		for _, partial := range result.Data[g*params.Chunks : (g+1)*params.Chunks] {
			sum += float64(partial)
		}
		out[g] = sum / float64(c.pixels)
	}
	if err := c.dev.Unmap(staging); err != nil {
		return nil, deviceError("unmap", err)
	}
	for g, genome := range population {
		out[g] += c.enc.Penalty(genome)
	}
	return out, nil
}

// Close releases the image and QE buffers. It is idempotent.
func (c *Context[G]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.release()
}

func (c *Context[G]) release() error {
	var errs []error
	if c.image != nil {
		errs = append(errs, c.dev.ReleaseBuffer(c.image))
		c.image = nil
	}
	for idx, buf := range c.qe {
		if buf != nil {
			errs = append(errs, c.dev.ReleaseBuffer(buf))
			c.qe[idx] = nil
		}
	}
	if err := errors.Join(errs...); err != nil {
		return deviceError("release", err)
	}
	return nil
}
