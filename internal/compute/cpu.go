package compute

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CPUDevice executes the fitness kernel on host goroutines, one task per
// workgroup. Submissions run asynchronously and complete in submit order.
type CPUDevice struct {
	workers int

	mu     sync.Mutex
	closed bool
	nextID uint64
	tail   chan struct{}
}

func NewCPUDevice(workers int) *CPUDevice {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPUDevice{workers: workers}
}

func (d *CPUDevice) Name() string {
	return "cpu"
}

type cpuBuffer struct {
	owner    *CPUDevice
	data     []float32
	usage    Usage
	mapped   bool
	released bool
}

func (b *cpuBuffer) Len() int {
	return len(b.data)
}

func (b *cpuBuffer) Usage() Usage {
	return b.usage
}

type cpuKernel struct {
	spec KernelSpec
}

func (k cpuKernel) Spec() KernelSpec {
	return k.spec
}

type pendingMap struct {
	buf      *cpuBuffer
	callback func(MapResult)
}

type cpuSubmission struct {
	id   uint64
	done chan struct{}
	err  error

	mu      sync.Mutex
	pending []pendingMap
}

func (s *cpuSubmission) ID() uint64 {
	return s.id
}

func (d *CPUDevice) CreateBuffer(data []float32, usage Usage) (Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	buf := &cpuBuffer{owner: d, data: make([]float32, len(data)), usage: usage}
	copy(buf.data, data)
	return buf, nil
}

func (d *CPUDevice) CreateEmptyBuffer(n int, usage Usage) (Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrInvalidBuffer, n)
	}
	return &cpuBuffer{owner: d, data: make([]float32, n), usage: usage}, nil
}

func (d *CPUDevice) ReleaseBuffer(buf Buffer) error {
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	b.released = true
	b.data = nil
	return nil
}

func (d *CPUDevice) CompileFitness(spec KernelSpec) (Kernel, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if spec.Layout.Stride != 2 && spec.Layout.Stride != 6 {
		return nil, fmt.Errorf("%w: unsupported genome stride %d", ErrKernelCompile, spec.Layout.Stride)
	}
	if err := spec.Statistic.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelCompile, err)
	}
	return cpuKernel{spec: spec}, nil
}

func (d *CPUDevice) Submit(cmds []Command) (Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	steps := make([]func() error, 0, len(cmds))
	for idx, cmd := range cmds {
		step, err := d.record(cmd)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", idx, err)
		}
		steps = append(steps, step)
	}

	d.nextID++
	sub := &cpuSubmission{id: d.nextID, done: make(chan struct{})}
	prev := d.tail
	d.tail = sub.done
	go func() {
		defer close(sub.done)
		if prev != nil {
			<-prev
		}
		for _, step := range steps {
			if err := step(); err != nil {
				sub.err = err
				return
			}
		}
	}()
	return sub, nil
}

// record validates one command against the device state and captures the
// slices it will touch.
func (d *CPUDevice) record(cmd Command) (func() error, error) {
	switch {
	case cmd.Dispatch != nil && cmd.Copy == nil:
		return d.recordDispatch(*cmd.Dispatch)
	case cmd.Copy != nil && cmd.Dispatch == nil:
		src, err := d.ownUsage(cmd.Copy.Src, UsageCopySrc)
		if err != nil {
			return nil, fmt.Errorf("copy source: %w", err)
		}
		dst, err := d.ownUsage(cmd.Copy.Dst, UsageCopyDst)
		if err != nil {
			return nil, fmt.Errorf("copy destination: %w", err)
		}
		if dst.mapped {
			return nil, fmt.Errorf("%w: copy into mapped buffer", ErrInvalidBuffer)
		}
		if len(dst.data) < len(src.data) {
			return nil, fmt.Errorf("%w: copy of %d into %d elements", ErrInvalidBuffer, len(src.data), len(dst.data))
		}
		srcData, dstData := src.data, dst.data
		return func() error {
			copy(dstData, srcData)
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("command must set exactly one of dispatch or copy")
	}
}

func (d *CPUDevice) recordDispatch(dispatch Dispatch) (func() error, error) {
	kernel, ok := dispatch.Kernel.(cpuKernel)
	if !ok {
		return nil, fmt.Errorf("%w: kernel not compiled by this device", ErrKernelCompile)
	}
	params := dispatch.Params
	if params.Genomes < 0 || params.Chunks <= 0 || params.Pixels <= 0 {
		return nil, fmt.Errorf("invalid kernel params: %+v", params)
	}
	if dispatch.Grid.X*WorkgroupX < params.Genomes || dispatch.Grid.Y*WorkgroupY < params.Chunks {
		return nil, fmt.Errorf("grid %+v does not cover params %+v", dispatch.Grid, params)
	}
	stride := kernel.spec.Layout.Stride
	genomes, err := d.ownUsage(dispatch.Bindings.Genomes, UsageStorage)
	if err != nil {
		return nil, fmt.Errorf("genome binding: %w", err)
	}
	fitness, err := d.ownUsage(dispatch.Bindings.Fitness, UsageStorage)
	if err != nil {
		return nil, fmt.Errorf("fitness binding: %w", err)
	}
	image, err := d.ownUsage(dispatch.Bindings.Image, UsageStorage)
	if err != nil {
		return nil, fmt.Errorf("image binding: %w", err)
	}
	if len(genomes.data) < params.Genomes*stride ||
		len(fitness.data) < params.Genomes*params.Chunks ||
		len(image.data) < 3*params.Pixels {
		return nil, fmt.Errorf("%w: bindings too small for params %+v", ErrInvalidBuffer, params)
	}

	in := &laneInputs{
		genomes:   genomes.data,
		image:     image.data,
		stride:    stride,
		statistic: kernel.spec.Statistic,
		chunks:    params.Chunks,
		pixels:    params.Pixels,
	}
	for c, buf := range dispatch.Bindings.QE {
		qe, err := d.ownUsage(buf, UsageUniform)
		if err != nil {
			return nil, fmt.Errorf("qe binding %d: %w", c, err)
		}
		if len(qe.data) < 2 {
			return nil, fmt.Errorf("%w: qe binding %d has %d elements", ErrInvalidBuffer, c, len(qe.data))
		}
		in.qe[c] = qe.data
	}
	out := fitness.data
	grid := dispatch.Grid

	return func() error {
		var g errgroup.Group
		g.SetLimit(d.workers)
		for wx := 0; wx < grid.X; wx++ {
			for wy := 0; wy < grid.Y; wy++ {
				wx, wy := wx, wy // per-iteration copies (pre-Go 1.22 loop semantics)
				g.Go(func() error {
					for lx := 0; lx < WorkgroupX; lx++ {
						genome := wx*WorkgroupX + lx
						if genome >= params.Genomes {
							break
						}
						for ly := 0; ly < WorkgroupY; ly++ {
							chunk := wy*WorkgroupY + ly
							if chunk >= params.Chunks {
								break
							}
							out[genome*params.Chunks+chunk] = fitnessLane(in, genome, chunk)
						}
					}
					return nil
				})
			}
		}
		return g.Wait()
	}, nil
}

func (d *CPUDevice) MapRead(buf Buffer, sub Submission, callback func(MapResult)) error {
	if callback == nil {
		return fmt.Errorf("map callback is required")
	}
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	s, ok := sub.(*cpuSubmission)
	if !ok {
		return fmt.Errorf("submission not issued by this device")
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingMap{buf: b, callback: callback})
	s.mu.Unlock()
	return nil
}

// Poll waits for sub to complete and fires its map callbacks.
func (d *CPUDevice) Poll(sub Submission, timeout time.Duration) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	s, ok := sub.(*cpuSubmission)
	if !ok {
		return fmt.Errorf("submission not issued by this device")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPollTimeout, timeout)
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, p := range pending {
		p.callback(d.resolveMap(p.buf, s.err))
	}
	return s.err
}

func (d *CPUDevice) resolveMap(b *cpuBuffer, execErr error) MapResult {
	switch {
	case execErr != nil:
		return MapResult{Err: execErr}
	case b.released:
		return MapResult{Err: fmt.Errorf("%w: buffer released", ErrMapRejected)}
	case !b.usage.Has(UsageMapRead):
		return MapResult{Err: fmt.Errorf("%w: buffer lacks map-read usage", ErrMapRejected)}
	case b.mapped:
		return MapResult{Err: fmt.Errorf("%w: buffer already mapped", ErrMapRejected)}
	}
	b.mapped = true
	return MapResult{Data: b.data}
}

func (d *CPUDevice) Unmap(buf Buffer) error {
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if !b.mapped {
		return fmt.Errorf("%w: buffer not mapped", ErrInvalidBuffer)
	}
	b.mapped = false
	return nil
}

func (d *CPUDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *CPUDevice) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *CPUDevice) own(buf Buffer) (*cpuBuffer, error) {
	b, ok := buf.(*cpuBuffer)
	if !ok || b == nil || b.owner != d {
		return nil, fmt.Errorf("%w: buffer not allocated by this device", ErrInvalidBuffer)
	}
	if b.released {
		return nil, fmt.Errorf("%w: buffer released", ErrInvalidBuffer)
	}
	return b, nil
}

func (d *CPUDevice) ownUsage(buf Buffer, usage Usage) (*cpuBuffer, error) {
	b, err := d.own(buf)
	if err != nil {
		return nil, err
	}
	if !b.usage.Has(usage) {
		return nil, fmt.Errorf("%w: missing usage %d", ErrInvalidBuffer, usage)
	}
	return b, nil
}
