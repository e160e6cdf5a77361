package monitor

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/harborline/sandbox-sentinel/internal/config"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/pkg/runtime"
)

// Shells, interpreters, and network/build tools a sandboxed agent workload
// has no business spawning. Matched on the process basename.
var processDenylist = map[string]struct{}{
	"sh": {}, "bash": {}, "dash": {}, "zsh": {}, "fish": {},
	"csh": {}, "tcsh": {},
	"python": {}, "python3": {}, "perl": {}, "ruby": {}, "php": {}, "lua": {},
	"nc": {}, "ncat": {}, "nmap": {}, "socat": {}, "telnet": {},
	"gcc": {}, "cc": {}, "make": {}, "ld": {},
}

// Remote addresses that never count as outbound egress.
var loopbackAddrs = map[string]struct{}{
	"127.0.0.1": {},
	"0.0.0.0":   {},
	"::1":       {},
	"::":        {},
	"*":         {},
}

// statsWatcher fires on CPU sustained above threshold and on memory above
// threshold with a cooldown between repeat alerts.
type statsWatcher struct {
	backend runtime.Backend
	cfg     config.MonitorConfig

	cpuHighSince time.Time
	lastMemAlert time.Time
}

func newStatsWatcher(backend runtime.Backend, cfg config.MonitorConfig) *statsWatcher {
	return &statsWatcher{backend: backend, cfg: cfg}
}

func (w *statsWatcher) observe(ctx context.Context) ([]types.Finding, error) {
	stats, err := w.backend.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	var findings []types.Finding
	now := time.Now()

	if stats.CPUPercent > w.cfg.CPUThreshold {
		if w.cpuHighSince.IsZero() {
			w.cpuHighSince = now
		} else if now.Sub(w.cpuHighSince) >= w.cfg.CPUSustain {
			findings = append(findings, types.Finding{
				Channel:  "stats",
				Severity: types.SeverityWarning,
				Message: fmt.Sprintf("CPU usage %.1f%% above %.0f%% for %s",
					stats.CPUPercent, w.cfg.CPUThreshold, w.cfg.CPUSustain),
				Timestamp: now,
			})
			// The sustain window restarts after an alert.
			w.cpuHighSince = time.Time{}
		}
	} else {
		w.cpuHighSince = time.Time{}
	}

	if stats.MemoryPercent > w.cfg.MemoryThreshold && now.Sub(w.lastMemAlert) >= w.cfg.MemoryCooldown {
		findings = append(findings, types.Finding{
			Channel:  "stats",
			Severity: types.SeverityWarning,
			Message: fmt.Sprintf("Memory usage %.1f%% above %.0f%% of limit",
				stats.MemoryPercent, w.cfg.MemoryThreshold),
			Timestamp: now,
		})
		w.lastMemAlert = now
	}
	return findings, nil
}

// processWatcher fires once per denylisted process it observes.
type processWatcher struct {
	backend runtime.Backend
	seen    map[int]string // pid -> name already reported
}

func newProcessWatcher(backend runtime.Backend) *processWatcher {
	return &processWatcher{backend: backend, seen: make(map[int]string)}
}

func (w *processWatcher) observe(ctx context.Context) ([]types.Finding, error) {
	procs, err := w.backend.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}

	var findings []types.Finding
	current := make(map[int]string, len(procs))
	for _, p := range procs {
		name := path.Base(p.Name)
		current[p.PID] = name
		if _, denied := processDenylist[name]; !denied {
			continue
		}
		if prev, ok := w.seen[p.PID]; ok && prev == name {
			continue
		}
		msg := fmt.Sprintf("Suspicious process spawned: %s (pid %d)", name, p.PID)
		if p.Cmdline != "" {
			msg = fmt.Sprintf("%s: %s", msg, p.Cmdline)
		}
		findings = append(findings, types.Finding{
			Channel:   "process",
			Severity:  types.SeverityCritical,
			Message:   msg,
			Timestamp: time.Now(),
		})
	}
	w.seen = current
	return findings, nil
}

// networkWatcher fires once per new non-loopback remote endpoint.
type networkWatcher struct {
	backend runtime.Backend
	seen    map[string]struct{}
}

func newNetworkWatcher(backend runtime.Backend) *networkWatcher {
	return &networkWatcher{backend: backend, seen: make(map[string]struct{})}
}

func (w *networkWatcher) observe(ctx context.Context) ([]types.Finding, error) {
	conns, err := w.backend.ListConnections(ctx)
	if err != nil {
		return nil, err
	}

	var findings []types.Finding
	for _, c := range conns {
		if _, loopback := loopbackAddrs[c.RemoteAddr]; loopback {
			continue
		}
		key := fmt.Sprintf("%s:%d", c.RemoteAddr, c.RemotePort)
		if _, ok := w.seen[key]; ok {
			continue
		}
		w.seen[key] = struct{}{}
		findings = append(findings, types.Finding{
			Channel:   "network",
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("Outbound connection to %s (%s, %s)", key, c.Protocol, c.State),
			Timestamp: time.Now(),
		})
	}
	return findings, nil
}

// healthWatcher fires once per streak of consecutive unhealthy checks.
type healthWatcher struct {
	backend   runtime.Backend
	unhealthy int
	alerted   bool
}

// Consecutive unhealthy checks before the health channel escalates.
const unhealthyStreak = 2

func newHealthWatcher(backend runtime.Backend) *healthWatcher {
	return &healthWatcher{backend: backend}
}

func (w *healthWatcher) observe(ctx context.Context) ([]types.Finding, error) {
	health, err := w.backend.HealthStatus(ctx)
	if err != nil {
		return nil, err
	}

	switch health {
	case runtime.HealthUnhealthy:
		w.unhealthy++
	case runtime.HealthHealthy:
		w.unhealthy = 0
		w.alerted = false
	default:
		// unknown or no healthcheck: neither extends nor breaks a streak
		return nil, nil
	}

	if w.unhealthy >= unhealthyStreak && !w.alerted {
		w.alerted = true
		return []types.Finding{{
			Channel:   "health",
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("Workload unhealthy for %d consecutive checks", w.unhealthy),
			Timestamp: time.Now(),
		}}, nil
	}
	return nil, nil
}
