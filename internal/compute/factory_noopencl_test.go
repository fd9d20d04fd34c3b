//go:build !opencl

package compute

import (
	"errors"
	"testing"
)

func TestOpenDeviceWithoutOpenCLBuild(t *testing.T) {
	_, err := OpenDevice("opencl", 0)
	if !errors.Is(err, ErrDevice) || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unavailable backend device error, got %v", err)
	}
	dev, err := OpenDevice(DefaultBackendKind, 0)
	if err != nil {
		t.Fatalf("open default backend: %v", err)
	}
	if dev.Name() != "cpu" {
		t.Fatalf("expected cpu backend, got %s", dev.Name())
	}
	if _, err := OpenDevice("vulkan", 0); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}
