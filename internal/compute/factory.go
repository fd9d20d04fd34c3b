package compute

import "fmt"

const DefaultBackendKind = "cpu"

// OpenDevice opens the named backend. A backend that cannot be opened is an
// error; there is no fallback to another backend.
func OpenDevice(kind string, workers int) (Device, error) {
	switch kind {
	case "", "cpu":
		return NewCPUDevice(workers), nil
	case "opencl":
		return newOpenCLDevice()
	default:
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%w: %s", ErrBackendUnavailable, kind)}
	}
}
