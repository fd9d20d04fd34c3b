package compute

import (
	"errors"
	"fmt"
	"time"

	"duosplit/internal/genotype"
)

var (
	ErrDevice             = errors.New("compute device error")
	ErrBackendUnavailable = errors.New("compute backend unavailable")
	ErrClosed             = errors.New("compute device closed")
	ErrMapRejected        = errors.New("buffer map rejected")
	ErrMapTimeout         = errors.New("buffer map timed out")
	ErrPollTimeout        = errors.New("device poll timed out")
	ErrKernelCompile      = errors.New("fitness kernel compile failed")
	ErrInvalidBuffer      = errors.New("invalid device buffer")
)

// DeviceError reports a failure inside the compute device. It matches both
// ErrDevice and the underlying cause with errors.Is.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	return []error{ErrDevice, e.Err}
}

func deviceError(op string, err error) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}

// Usage flags describe how a buffer may be bound or transferred.
type Usage uint8

const (
	UsageStorage Usage = 1 << iota
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

func (u Usage) Has(flag Usage) bool {
	return u&flag == flag
}

// Buffer is a device allocation of float32 elements.
type Buffer interface {
	Len() int
	Usage() Usage
}

// Kernel is a compiled fitness program.
type Kernel interface {
	Spec() KernelSpec
}

// Workgroup dimensions of the fitness kernel: genomes along x, chunks along y.
const (
	WorkgroupX = 4
	WorkgroupY = 64
)

// KernelSpec selects the compiled variant of the fitness kernel.
type KernelSpec struct {
	Layout    genotype.Layout
	Statistic Statistic
}

// Bindings are the kernel's buffer arguments.
type Bindings struct {
	Genomes Buffer
	Fitness Buffer
	Image   Buffer
	QE      [3]Buffer
}

// KernelParams are the scalar kernel arguments.
type KernelParams struct {
	Genomes int
	Chunks  int
	Pixels  int
}

// Grid is a workgroup count.
type Grid struct {
	X int
	Y int
}

// GridFor covers params with whole workgroups.
func GridFor(params KernelParams) Grid {
	return Grid{
		X: (params.Genomes + WorkgroupX - 1) / WorkgroupX,
		Y: (params.Chunks + WorkgroupY - 1) / WorkgroupY,
	}
}

type Dispatch struct {
	Kernel   Kernel
	Bindings Bindings
	Params   KernelParams
	Grid     Grid
}

type Copy struct {
	Src Buffer
	Dst Buffer
}

// Command is one recorded step: exactly one of Dispatch and Copy is set.
type Command struct {
	Dispatch *Dispatch
	Copy     *Copy
}

// Submission identifies work handed to the device queue.
type Submission interface {
	ID() uint64
}

// MapResult is delivered to a map callback. Data stays valid until Unmap.
type MapResult struct {
	Data []float32
	Err  error
}

// Device is the backend contract. Map callbacks fire from within Poll once
// the submission they depend on has completed.
type Device interface {
	Name() string
	CreateBuffer(data []float32, usage Usage) (Buffer, error)
	CreateEmptyBuffer(n int, usage Usage) (Buffer, error)
	ReleaseBuffer(buf Buffer) error
	CompileFitness(spec KernelSpec) (Kernel, error)
	Submit(cmds []Command) (Submission, error)
	MapRead(buf Buffer, sub Submission, callback func(MapResult)) error
	Poll(sub Submission, timeout time.Duration) error
	Unmap(buf Buffer) error
	Close() error
}

// Statistic is the per-pixel contribution accumulated by the kernel.
type Statistic string

const (
	StatisticEnergy   Statistic = "energy"
	StatisticAbsolute Statistic = "absolute"
)

var ErrUnknownStatistic = errors.New("unknown fitness statistic")

func ParseStatistic(name string) (Statistic, error) {
	switch Statistic(name) {
	case "", StatisticEnergy:
		return StatisticEnergy, nil
	case StatisticAbsolute:
		return StatisticAbsolute, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownStatistic, name)
	}
}

func (s Statistic) Validate() error {
	switch s {
	case StatisticEnergy, StatisticAbsolute:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatistic, string(s))
	}
}
