package tensor

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device describes where tensors are computed.
type Device struct {
	Type     DeviceType
	Name     string
	Cores    int
	Features []string
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s, %d cores)", d.Type, d.Name, d.Cores)
}

// HasFeature reports whether the device advertises a CPU feature such as "AVX2".
func (d Device) HasFeature(name string) bool {
	for _, f := range d.Features {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// DefaultDevice resolves the compute device for this process. The reference
// runtime only computes on the host CPU.
func DefaultDevice() Device {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}

	return Device{
		Type:     CPU,
		Name:     name,
		Cores:    cores,
		Features: cpuid.CPU.FeatureSet(),
	}
}

// ParseDevice maps a configuration value to a device. "" and "auto" resolve to
// DefaultDevice.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "cpu":
		return DefaultDevice(), nil
	case "gpu", "cuda", "metal":
		return Device{}, fmt.Errorf("device %q is not supported by the host runtime", s)
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
}
