package agent

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Sampler reports the node's CPU and RAM usage as percentages for
// heartbeats and diagnostic probes.
type Sampler func() (cpuPercent, ramPercent float64)

// ProcSampler reads /proc for a cheap approximation: 1-minute load average
// normalized by core count for CPU, MemTotal/MemAvailable for RAM. On
// platforms without /proc both gauges read zero.
func ProcSampler() (float64, float64) {
	return procCPUPercent(), procRAMPercent()
}

func procCPUPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := load / float64(runtime.NumCPU()) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func procRAMPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
	}
	if total <= 0 || available < 0 {
		return 0
	}
	return (total - available) / total * 100
}
