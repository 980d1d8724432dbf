// Package sysinfo samples host and process resource usage for the daemon
// status report.
package sysinfo

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one resource sample. Fields that could not be read stay zero.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	ProcessRSS    uint64
}

// CPUPercent returns host CPU usage since the previous call.
func CPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("could not get CPU usage")
	}
	return percentages[0], nil
}

// MemoryPercent returns the share of host memory in use.
func MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// ProcessRSS returns the resident set size of the process with the given pid.
func ProcessRSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Sample reads all of [Usage] for the current process. A partial sample is
// returned together with the joined errors.
func Sample() (Usage, error) {
	var u Usage
	var errs []error
	var err error
	if u.CPUPercent, err = CPUPercent(); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	}
	if u.MemoryPercent, err = MemoryPercent(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if u.ProcessRSS, err = ProcessRSS(os.Getpid()); err != nil {
		errs = append(errs, fmt.Errorf("process: %w", err))
	}
	return u, errors.Join(errs...)
}

// FormatBytes renders n using binary units, e.g. "12.3 MiB".
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
