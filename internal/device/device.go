// Package device resolves the compute device a model is placed on and reports
// the host resources used to size inference sessions.
package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// GPU is one detected accelerator.
type GPU struct {
	Index    int
	Vendor   string
	Model    string
	MemoryMB int64
}

// Host describes the resources of the current machine.
type Host struct {
	PhysicalCores     int
	LogicalCores      int
	AvailableMemoryMB uint64
	GPUs              []GPU
}

// Device is a resolved placement.
type Device struct {
	Type  constants.ComputeDeviceType
	Index int
	GPU   *GPU
}

func (d Device) String() string {
	if d.Type == constants.ComputeDeviceGPU {
		return "cuda:" + strconv.Itoa(d.Index)
	}
	return string(constants.ComputeDeviceCPU)
}

// IsGPU reports whether d is an accelerator.
func (d Device) IsGPU() bool { return d.Type == constants.ComputeDeviceGPU }

// CPU is the default placement.
var CPU = Device{Type: constants.ComputeDeviceCPU}

// Resolve maps a device option ("cpu", "gpu", "cuda", "cuda:N", "gpu:N") onto
// host. An empty request means CPU. Requesting a GPU that host does not have
// is an error.
func Resolve(requested string, host Host) (Device, error) {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" || req == "cpu" {
		return CPU, nil
	}

	kind, idx, hasIdx := strings.Cut(req, ":")
	if kind != "gpu" && kind != "cuda" {
		return Device{}, fmt.Errorf("unknown device %q: want cpu, gpu, cuda or cuda:N", requested)
	}
	index := 0
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", requested)
		}
		index = n
	}
	if len(host.GPUs) == 0 {
		return Device{}, fmt.Errorf("device %q requested but no GPU was detected", requested)
	}
	for i := range host.GPUs {
		if host.GPUs[i].Index == index {
			g := host.GPUs[i]
			return Device{Type: constants.ComputeDeviceGPU, Index: index, GPU: &g}, nil
		}
	}
	return Device{}, fmt.Errorf("device %q requested but only %d GPU(s) detected", requested, len(host.GPUs))
}

// IntraOpThreads returns the thread count for a CPU session: physical cores
// when known, else logical cores, else 1.
func (h Host) IntraOpThreads() int {
	switch {
	case h.PhysicalCores > 0:
		return h.PhysicalCores
	case h.LogicalCores > 0:
		return h.LogicalCores
	}
	return 1
}

// CheckFits fails when an artifact of size bytes cannot fit in the host's
// available memory. Unknown memory is not checked.
func (h Host) CheckFits(size int64) error {
	if h.AvailableMemoryMB == 0 || size <= 0 {
		return nil
	}
	needMB := uint64(size) / 1024 / 1024
	if needMB > h.AvailableMemoryMB {
		return fmt.Errorf("model needs %d MB but only %d MB of memory is available", needMB, h.AvailableMemoryMB)
	}
	return nil
}

var (
	probeOnce sync.Once
	probed    Host
)

// Probe inspects the host once per process.
func Probe() Host {
	probeOnce.Do(func() {
		probed = probeHost(DetectNVIDIA)
		log.Info().
			Int("physicalCores", probed.PhysicalCores).
			Int("logicalCores", probed.LogicalCores).
			Uint64("availableMemoryMB", probed.AvailableMemoryMB).
			Int("gpus", len(probed.GPUs)).
			Msg("probed host resources")
	})
	return probed
}

func probeHost(detectGPUs func() []GPU) Host {
	var h Host
	if n, err := cpu.Counts(false); err == nil {
		h.PhysicalCores = n
	} else {
		log.Warn().Err(err).Msg("could not count physical cores")
	}
	if n, err := cpu.Counts(true); err == nil {
		h.LogicalCores = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.AvailableMemoryMB = vm.Available / 1024 / 1024
	} else {
		log.Warn().Err(err).Msg("could not read virtual memory stats")
	}
	h.GPUs = detectGPUs()
	return h
}
