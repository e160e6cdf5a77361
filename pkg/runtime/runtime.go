// Package runtime defines the backend interface the sentinel uses to observe
// and control the sandboxed workload. The monitor and auto-pause controller
// depend only on these semantics, not on any specific container technology.
package runtime

import (
	"context"
	"time"
)

// Health is the workload healthcheck status.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
	// HealthNone means the workload has no healthcheck configured.
	HealthNone Health = "none"
)

// Stats is a point-in-time snapshot of workload resource usage.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   int64
	MemoryLimit   int64
	MemoryPercent float64
	PIDs          int
	Timestamp     time.Time
}

// Process describes one process running inside the workload.
type Process struct {
	PID     int
	PPID    int
	Name    string
	Cmdline string
}

// Connection describes one network connection observed inside the workload.
type Connection struct {
	Protocol   string
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	State      string
}

// Event is a workload lifecycle event (start, die, oom, kill, restart, ...).
type Event struct {
	Action    string
	Timestamp time.Time
}

// Backend is the runtime collaborator that actually runs the workload.
// Streaming methods return channels that are closed when the context is
// cancelled or the source ends; Get/List methods are single calls that may
// fail transiently (callers retry on their own schedule).
type Backend interface {
	GetStats(ctx context.Context) (*Stats, error)
	ListProcesses(ctx context.Context) ([]Process, error)
	ListConnections(ctx context.Context) ([]Connection, error)
	StreamLogs(ctx context.Context) (<-chan string, error)
	HealthStatus(ctx context.Context) (Health, error)
	StreamEvents(ctx context.Context) (<-chan Event, error)

	// Freeze suspends the workload with memory preserved; Unfreeze resumes it.
	Freeze(ctx context.Context) error
	Unfreeze(ctx context.Context) error
	// Stop terminates the workload.
	Stop(ctx context.Context) error
}
