package hostinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/opendg-project/buildci/pkg/models"
)

// Collect gathers a snapshot of the host executing a run. Every probe is
// best-effort: a field that cannot be read is left at its zero value rather
// than failing the run.
func Collect() *models.RunnerInfo {
	info := &models.RunnerInfo{
		OS:         runtime.GOOS,
		CPUThreads: runtime.NumCPU(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		info.RAMTotalBytes = vmem.Total
	}

	return info
}
