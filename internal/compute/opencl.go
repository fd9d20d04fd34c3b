//go:build opencl

package compute

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jgillich/go-opencl/cl"
)

const fitnessKernelSource = `
#ifndef GENOME_STRIDE
#define GENOME_STRIDE 2
#endif

float2 expand_free(float i, float a, float c, float e, float b, float d, float f) {
    float denom = d * e - c * f;
    float j = (d + b * c * i - a * d * i) / denom;
    float k = (-f - b * e * i + a * f * i) / denom;
    return (float2)(j, k);
}

__kernel void fitness(
    __global const float* genomes,
    __global float* fitness,
    __global const float* image,
    __constant float* qe_red,
    __constant float* qe_green,
    __constant float* qe_blue,
    const int genome_count,
    const int chunks,
    const int pixels)
{
    int g = get_global_id(0);
    int chunk = get_global_id(1);
    if (g >= genome_count || chunk >= chunks) {
        return;
    }

    __global const float* genome = genomes + g * GENOME_STRIDE;
    float3 wa;
    float3 wb;
#if GENOME_STRIDE == 6
    wa = (float3)(genome[0], genome[1], genome[2]);
    wb = (float3)(genome[3], genome[4], genome[5]);
#else
    float2 jk = expand_free(genome[0], qe_red[0], qe_green[0], qe_blue[0], qe_red[1], qe_green[1], qe_blue[1]);
    wa = (float3)(genome[0], jk.y, jk.x);
    jk = expand_free(genome[1], qe_red[1], qe_green[1], qe_blue[1], qe_red[0], qe_green[0], qe_blue[0]);
    wb = (float3)(genome[1], jk.y, jk.x);
#endif

    int start = (int)(((long)chunk * pixels) / chunks);
    int end = (int)(((long)(chunk + 1) * pixels) / chunks);
    float acc = 0.0f;
    for (int p = start; p < end; p++) {
        float3 px = (float3)(image[3 * p], image[3 * p + 1], image[3 * p + 2]);
        float a = dot(wa, px);
        float b = dot(wb, px);
#ifdef STAT_ABSOLUTE
        acc += fabs(a) + fabs(b);
#else
        acc += a * a + b * b;
#endif
    }
    fitness[g * chunks + chunk] = acc;
}
`

// OpenCLDevice runs the fitness kernel through an OpenCL command queue.
// Map-read buffers live in host memory and are filled by non-blocking reads.
type OpenCLDevice struct {
	mu      sync.Mutex
	name    string
	device  *cl.Device
	context *cl.Context
	queue   *cl.CommandQueue
	kernels []*clKernel
	closed  bool
	nextID  uint64
}

type clBuffer struct {
	owner    *OpenCLDevice
	mem      *cl.MemObject
	host     []float32
	n        int
	usage    Usage
	mapped   bool
	released bool
}

func (b *clBuffer) Len() int {
	return b.n
}

func (b *clBuffer) Usage() Usage {
	return b.usage
}

type clKernel struct {
	spec    KernelSpec
	program *cl.Program
	kernel  *cl.Kernel
}

func (k *clKernel) Spec() KernelSpec {
	return k.spec
}

type clPendingMap struct {
	buf      *clBuffer
	callback func(MapResult)
}

type clSubmission struct {
	id      uint64
	events  []*cl.Event
	pending []clPendingMap
	waited  bool
	err     error
}

func (s *clSubmission) ID() uint64 {
	return s.id
}

func newOpenCLDevice() (Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%w: querying OpenCL platforms: %v", ErrBackendUnavailable, err)}
	}
	device := pickDevice(platforms, cl.DeviceTypeGPU)
	if device == nil {
		device = pickDevice(platforms, cl.DeviceTypeCPU)
	}
	if device == nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%w: no OpenCL devices found", ErrBackendUnavailable)}
	}

	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("creating OpenCL context: %w", err)}
	}
	queue, err := context.CreateCommandQueue(device, 0)
	if err != nil {
		context.Release()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("creating OpenCL command queue: %w", err)}
	}
	return &OpenCLDevice{
		name:    "opencl:" + strings.TrimSpace(device.Name()),
		device:  device,
		context: context,
		queue:   queue,
	}, nil
}

func pickDevice(platforms []*cl.Platform, kind cl.DeviceType) *cl.Device {
	for _, p := range platforms {
		devices, err := p.GetDevices(kind)
		if err != nil && err != cl.ErrDeviceNotFound {
			continue
		}
		if len(devices) > 0 {
			return devices[0]
		}
	}
	return nil
}

func (d *OpenCLDevice) Name() string {
	return d.name
}

func (d *OpenCLDevice) CreateBuffer(data []float32, usage Usage) (Buffer, error) {
	buf, err := d.CreateEmptyBuffer(len(data), usage)
	if err != nil {
		return nil, err
	}
	b := buf.(*clBuffer)
	if b.mem == nil {
		copy(b.host, data)
		return b, nil
	}
	event, err := d.queue.EnqueueWriteBufferFloat32(b.mem, true, 0, data, nil)
	if err != nil {
		b.mem.Release()
		return nil, fmt.Errorf("writing OpenCL buffer: %w", err)
	}
	if event != nil {
		event.Release()
	}
	return b, nil
}

func (d *OpenCLDevice) CreateEmptyBuffer(n int, usage Usage) (Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidBuffer, n)
	}
	b := &clBuffer{owner: d, n: n, usage: usage}
	if usage.Has(UsageMapRead) {
		b.host = make([]float32, n)
		return b, nil
	}
	flags := cl.MemReadWrite
	if usage.Has(UsageUniform) {
		flags = cl.MemReadOnly
	}
	mem, err := d.context.CreateEmptyBuffer(flags, 4*n)
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL buffer: %w", err)
	}
	b.mem = mem
	return b, nil
}

func (d *OpenCLDevice) ReleaseBuffer(buf Buffer) error {
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if b.mem != nil {
		b.mem.Release()
		b.mem = nil
	}
	b.host = nil
	b.released = true
	return nil
}

func (d *OpenCLDevice) CompileFitness(spec KernelSpec) (Kernel, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if spec.Layout.Stride != 2 && spec.Layout.Stride != 6 {
		return nil, fmt.Errorf("%w: unsupported genome stride %d", ErrKernelCompile, spec.Layout.Stride)
	}
	if err := spec.Statistic.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelCompile, err)
	}

	program, err := d.context.CreateProgramWithSource([]string{fitnessKernelSource})
	if err != nil {
		return nil, fmt.Errorf("%w: creating program: %v", ErrKernelCompile, err)
	}
	options := fmt.Sprintf("-DGENOME_STRIDE=%d", spec.Layout.Stride)
	if spec.Statistic == StatisticAbsolute {
		options += " -DSTAT_ABSOLUTE=1"
	}
	if err := program.BuildProgram([]*cl.Device{d.device}, options); err != nil {
		program.Release()
		if buildErr, ok := err.(cl.BuildError); ok {
			return nil, fmt.Errorf("%w: %s", ErrKernelCompile, string(buildErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrKernelCompile, err)
	}
	kernel, err := program.CreateKernel("fitness")
	if err != nil {
		program.Release()
		return nil, fmt.Errorf("%w: creating kernel: %v", ErrKernelCompile, err)
	}
	k := &clKernel{spec: spec, program: program, kernel: kernel}
	d.mu.Lock()
	d.kernels = append(d.kernels, k)
	d.mu.Unlock()
	return k, nil
}

func (d *OpenCLDevice) Submit(cmds []Command) (Submission, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.nextID++
	sub := &clSubmission{id: d.nextID}
	d.mu.Unlock()

	for idx, cmd := range cmds {
		event, err := d.enqueue(cmd)
		if err != nil {
			releaseEvents(sub.events)
			return nil, fmt.Errorf("command %d: %w", idx, err)
		}
		if event != nil {
			sub.events = append(sub.events, event)
		}
	}
	return sub, nil
}

func (d *OpenCLDevice) enqueue(cmd Command) (*cl.Event, error) {
	switch {
	case cmd.Dispatch != nil && cmd.Copy == nil:
		return d.enqueueDispatch(*cmd.Dispatch)
	case cmd.Copy != nil && cmd.Dispatch == nil:
		src, err := d.own(cmd.Copy.Src)
		if err != nil || src.mem == nil || !src.usage.Has(UsageCopySrc) {
			return nil, fmt.Errorf("%w: copy source", ErrInvalidBuffer)
		}
		dst, err := d.own(cmd.Copy.Dst)
		if err != nil || dst.host == nil || !dst.usage.Has(UsageCopyDst) || dst.n < src.n {
			return nil, fmt.Errorf("%w: copy destination", ErrInvalidBuffer)
		}
		if dst.mapped {
			return nil, fmt.Errorf("%w: copy into mapped buffer", ErrInvalidBuffer)
		}
		return d.queue.EnqueueReadBufferFloat32(src.mem, false, 0, dst.host[:src.n], nil)
	default:
		return nil, fmt.Errorf("command must set exactly one of dispatch or copy")
	}
}

func (d *OpenCLDevice) enqueueDispatch(dispatch Dispatch) (*cl.Event, error) {
	k, ok := dispatch.Kernel.(*clKernel)
	if !ok {
		return nil, fmt.Errorf("%w: kernel not compiled by this device", ErrKernelCompile)
	}
	mems := make([]interface{}, 0, 9)
	for _, buf := range []Buffer{
		dispatch.Bindings.Genomes,
		dispatch.Bindings.Fitness,
		dispatch.Bindings.Image,
		dispatch.Bindings.QE[0],
		dispatch.Bindings.QE[1],
		dispatch.Bindings.QE[2],
	} {
		b, err := d.own(buf)
		if err != nil {
			return nil, err
		}
		if b.mem == nil {
			return nil, fmt.Errorf("%w: host buffer bound to kernel", ErrInvalidBuffer)
		}
		mems = append(mems, b.mem)
	}
	params := dispatch.Params
	args := append(mems, int32(params.Genomes), int32(params.Chunks), int32(params.Pixels))
	if err := k.kernel.SetArgs(args...); err != nil {
		return nil, fmt.Errorf("setting kernel args: %w", err)
	}
	global := []int{dispatch.Grid.X * WorkgroupX, dispatch.Grid.Y * WorkgroupY}
	local := []int{WorkgroupX, WorkgroupY}
	return d.queue.EnqueueNDRangeKernel(k.kernel, nil, global, local, nil)
}

func (d *OpenCLDevice) MapRead(buf Buffer, sub Submission, callback func(MapResult)) error {
	if callback == nil {
		return fmt.Errorf("map callback is required")
	}
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	s, ok := sub.(*clSubmission)
	if !ok {
		return fmt.Errorf("submission not issued by this device")
	}
	s.pending = append(s.pending, clPendingMap{buf: b, callback: callback})
	return nil
}

// Poll waits on the submission's events in a helper goroutine so the wait can
// be bounded; cl.WaitForEvents itself has no timeout.
func (d *OpenCLDevice) Poll(sub Submission, timeout time.Duration) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	s, ok := sub.(*clSubmission)
	if !ok {
		return fmt.Errorf("submission not issued by this device")
	}
	if !s.waited && len(s.events) > 0 {
		done := make(chan error, 1)
		events := s.events
		go func() { done <- cl.WaitForEvents(events) }()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case err := <-done:
			releaseEvents(events)
			s.events = nil
			if err != nil {
				s.err = fmt.Errorf("waiting for OpenCL events: %w", err)
			}
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrPollTimeout, timeout)
		}
	}
	s.waited = true

	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		p.callback(resolveHostMap(p.buf, s.err))
	}
	return s.err
}

func resolveHostMap(b *clBuffer, execErr error) MapResult {
	switch {
	case execErr != nil:
		return MapResult{Err: execErr}
	case b.released:
		return MapResult{Err: fmt.Errorf("%w: buffer released", ErrMapRejected)}
	case !b.usage.Has(UsageMapRead) || b.host == nil:
		return MapResult{Err: fmt.Errorf("%w: buffer lacks map-read usage", ErrMapRejected)}
	case b.mapped:
		return MapResult{Err: fmt.Errorf("%w: buffer already mapped", ErrMapRejected)}
	}
	b.mapped = true
	return MapResult{Data: b.host}
}

func (d *OpenCLDevice) Unmap(buf Buffer) error {
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

func (d *OpenCLDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, k := range d.kernels {
		k.kernel.Release()
		k.program.Release()
	}
	d.kernels = nil
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.context != nil {
		d.context.Release()
		d.context = nil
	}
	return nil
}

func (d *OpenCLDevice) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *OpenCLDevice) own(buf Buffer) (*clBuffer, error) {
	b, ok := buf.(*clBuffer)
	if !ok || b == nil || b.owner != d {
		return nil, fmt.Errorf("%w: buffer not allocated by this device", ErrInvalidBuffer)
	}
	if b.released {
		return nil, fmt.Errorf("%w: buffer released", ErrInvalidBuffer)
	}
	return b, nil
}

func releaseEvents(events []*cl.Event) {
	for _, event := range events {
		event.Release()
	}
}
