package constants

type ComputeDeviceType string

const (
	ComputeDeviceCPU ComputeDeviceType = "cpu"
	ComputeDeviceGPU ComputeDeviceType = "gpu"
)
