package middleware

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo is host-level diagnostics surfaced on the operator-only
// /debug/sysinfo route, for judging whether a stuck job is a host-capacity
// problem (disk full from audio temp files, CPU pegged by ffmpeg) rather
// than a provider outage.
type SystemInfo struct {
	CPUInfo  []cpu.InfoStat      `json:"cpu"`
	MemInfo  *mem.VirtualMemoryStat `json:"mem"`
	DiskInfo []disk.UsageStat    `json:"disk"`
	LoadInfo *load.AvgStat       `json:"load"`
}

// GetSystemInfo gathers the system's CPU, memory, disk, and load averages.
func GetSystemInfo() (*SystemInfo, error) {
	sysInfo := &SystemInfo{}

	cpuInfo, err := cpu.Info()
	if err != nil {
		return nil, err
	}
	sysInfo.CPUInfo = cpuInfo

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	sysInfo.MemInfo = memInfo

	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		diskInfo, err := disk.Usage(p.Mountpoint)
		if err != nil {
			return nil, err
		}
		sysInfo.DiskInfo = append(sysInfo.DiskInfo, *diskInfo)
	}

	loadInfo, err := load.Avg()
	if err != nil {
		return nil, err
	}
	sysInfo.LoadInfo = loadInfo

	return sysInfo, nil
}
