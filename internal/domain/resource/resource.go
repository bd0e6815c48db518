package resource

import (
	"fmt"

	"github.com/alanyang/promptlab/internal/domain/fault"
)

// Limits bound what the admission controller lets run at once.
type Limits struct {
	MaxConcurrentRuns int     `json:"max_concurrent_runs" yaml:"maxConcurrentRuns"`
	MaxMemoryMB       int     `json:"max_memory_mb" yaml:"maxMemoryMb"`
	MaxCPUPercent     float64 `json:"max_cpu_percent" yaml:"maxCpuPercent"`
}

// Validate rejects non-positive values. Limits are never clamped.
func (l Limits) Validate() error {
	if l.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("%w: max_concurrent_runs must be > 0, got %d", fault.ErrConfig, l.MaxConcurrentRuns)
	}
	if l.MaxMemoryMB <= 0 {
		return fmt.Errorf("%w: max_memory_mb must be > 0, got %d", fault.ErrConfig, l.MaxMemoryMB)
	}
	if l.MaxCPUPercent <= 0 {
		return fmt.Errorf("%w: max_cpu_percent must be > 0, got %g", fault.ErrConfig, l.MaxCPUPercent)
	}
	return nil
}

// Estimate is the resource footprint attributed to one running request.
type Estimate struct {
	MemoryMB   int     `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Fits reports whether the estimate alone could ever be admitted under l.
func (e Estimate) Fits(l Limits) bool {
	return e.MemoryMB <= l.MaxMemoryMB && e.CPUPercent <= l.MaxCPUPercent
}

// Usage is a point-in-time view of what the coordinator has admitted.
type Usage struct {
	CPUPercent  float64 `json:"cpu"`
	MemoryMB    int     `json:"memory"`
	ActiveCount int     `json:"active_count"`
	QueueLength int     `json:"queue_length"`
	Limits      Limits  `json:"limits"`
}
