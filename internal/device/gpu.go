package device

import (
	"os/exec"
	"strconv"
	"strings"
)

// DetectNVIDIA lists NVIDIA GPUs through nvidia-smi. Hosts without the tool
// or without NVIDIA GPUs report none; only these can back a CUDA session.
func DetectNVIDIA() []GPU {
	cmd := exec.Command("nvidia-smi", "--query-gpu=index,name,memory.total", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(output))
}

// parseNvidiaSMI parses lines of the form "0, NVIDIA A10G, 23028 MiB".
func parseNvidiaSMI(output string) []GPU {
	var gpus []GPU
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}

		gpu := GPU{Index: i, Vendor: "nvidia"}
		rest := parts
		if idx, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
			gpu.Index = idx
			rest = parts[1:]
		}
		gpu.Model = normalizeModelName(rest[0])

		// Memory (format: " 8192 MiB")
		if len(rest) >= 2 {
			memStr := strings.TrimSpace(rest[1])
			memStr = strings.TrimSpace(strings.TrimSuffix(memStr, "MiB"))
			if memMB, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				gpu.MemoryMB = memMB
			}
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}

// normalizeModelName strips trademark marks and collapses whitespace.
func normalizeModelName(model string) string {
	normalized := strings.TrimSpace(model)
	for _, mark := range []string{"(TM)", "(tm)", "(R)", "(r)", "®", "™"} {
		normalized = strings.ReplaceAll(normalized, mark, "")
	}
	return strings.Join(strings.Fields(normalized), " ")
}
