package device

import (
	"testing"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	gpuHost := Host{GPUs: []GPU{
		{Index: 0, Vendor: "nvidia", Model: "NVIDIA A10G", MemoryMB: 23028},
		{Index: 1, Vendor: "nvidia", Model: "NVIDIA A10G", MemoryMB: 23028},
	}}
	cpuHost := Host{PhysicalCores: 4}

	tests := []struct {
		name      string
		requested string
		host      Host
		want      string
		wantErr   bool
	}{
		{"default", "", cpuHost, "cpu", false},
		{"cpu", "CPU", gpuHost, "cpu", false},
		{"gpu", "gpu", gpuHost, "cuda:0", false},
		{"cuda index", "cuda:1", gpuHost, "cuda:1", false},
		{"gpu index", "gpu:1", gpuHost, "cuda:1", false},
		{"gpu without gpus", "gpu", cpuHost, "", true},
		{"index out of range", "cuda:2", gpuHost, "", true},
		{"bad index", "cuda:x", gpuHost, "", true},
		{"unknown", "tpu", gpuHost, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.requested, tt.host)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	d, err := Resolve("cuda:1", gpuHost)
	require.NoError(t, err)
	assert.True(t, d.IsGPU())
	assert.Equal(t, constants.ComputeDeviceGPU, d.Type)
	require.NotNil(t, d.GPU)
	assert.Equal(t, int64(23028), d.GPU.MemoryMB)
}

func TestParseNvidiaSMI(t *testing.T) {
	out := "0, NVIDIA GeForce RTX(TM) 4090, 24564 MiB\n1, Tesla T4, 15360 MiB\n\n"
	gpus := parseNvidiaSMI(out)
	require.Len(t, gpus, 2)
	assert.Equal(t, GPU{Index: 0, Vendor: "nvidia", Model: "NVIDIA GeForce RTX 4090", MemoryMB: 24564}, gpus[0])
	assert.Equal(t, 1, gpus[1].Index)
	assert.Equal(t, "Tesla T4", gpus[1].Model)

	// Older query format without an index column.
	legacy := parseNvidiaSMI("Tesla V100-SXM2-16GB, 16160 MiB")
	require.Len(t, legacy, 1)
	assert.Equal(t, 0, legacy[0].Index)
	assert.Equal(t, int64(16160), legacy[0].MemoryMB)

	assert.Empty(t, parseNvidiaSMI(""))
}

func TestHostHelpers(t *testing.T) {
	assert.Equal(t, 8, Host{PhysicalCores: 8, LogicalCores: 16}.IntraOpThreads())
	assert.Equal(t, 16, Host{LogicalCores: 16}.IntraOpThreads())
	assert.Equal(t, 1, Host{}.IntraOpThreads())

	h := Host{AvailableMemoryMB: 10}
	assert.NoError(t, h.CheckFits(5*1024*1024))
	assert.Error(t, h.CheckFits(20*1024*1024))
	assert.NoError(t, Host{}.CheckFits(1<<40), "unknown memory is not checked")
}

func TestProbeHostUsesDetector(t *testing.T) {
	h := probeHost(func() []GPU { return []GPU{{Index: 0, Vendor: "nvidia"}} })
	assert.Len(t, h.GPUs, 1)
	assert.Positive(t, h.IntraOpThreads())
}
