package util

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds static information about the host.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers host information. Fields gopsutil cannot read are
// left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.Platform = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// Usage is a snapshot of host and process load.
type Usage struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsedMB    uint64  `json:"memory_used_mb"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskFreeGB      uint64  `json:"disk_free_gb"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	ProcessRSSMB    uint64  `json:"process_rss_mb"`
	ProcessThreads  int32   `json:"process_threads"`
	Goroutines      int     `json:"goroutines"`
	HostUptime      uint64  `json:"host_uptime_sec"`
	SampledAt       string  `json:"sampled_at"`
}

// GetUsage samples current load. diskPath selects the volume reported.
// Readings that fail are left at zero.
func GetUsage(diskPath string) Usage {
	u := Usage{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().UTC().Format(time.RFC3339),
	}

	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		u.CPUPercent = p[0]
	}
	if m, err := mem.VirtualMemory(); err == nil {
		u.MemoryUsedMB = m.Used / (1024 * 1024)
		u.MemoryPercent = m.UsedPercent
	}
	if diskPath == "" {
		diskPath = "."
	}
	if d, err := disk.Usage(diskPath); err == nil {
		u.DiskFreeGB = d.Free / (1024 * 1024 * 1024)
		u.DiskUsedPercent = d.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		u.HostUptime = up
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			u.ProcessRSSMB = mi.RSS / (1024 * 1024)
		}
		if n, err := proc.NumThreads(); err == nil {
			u.ProcessThreads = n
		}
	}
	return u
}

// GetLocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "127.0.0.1", nil
}
