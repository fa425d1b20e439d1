package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of a running process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// SampleUsage reads CPU and memory of pid through gopsutil.
func SampleUsage(pid int) (Usage, error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if u.CPUPercent, err = proc.CPUPercent(); err != nil {
		return Usage{}, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u.RSSBytes = mem.RSS
	// thread count is not available everywhere
	u.NumThreads, _ = proc.NumThreads()
	return u, nil
}
