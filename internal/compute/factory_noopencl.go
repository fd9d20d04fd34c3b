//go:build !opencl

package compute

import "fmt"

func newOpenCLDevice() (Device, error) {
	return nil, &DeviceError{
		Op:  "open",
		Err: fmt.Errorf("%w: opencl backend unavailable in this build; rebuild with -tags opencl", ErrBackendUnavailable),
	}
}
