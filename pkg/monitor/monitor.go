// Package monitor runs the six watcher channels (resource stats, processes,
// network, logs, health, lifecycle events) over a runtime backend and
// converts their findings into alerts.
//
// Each watcher owns a private goroutine and reports findings into one merged
// channel drained by a single dispatch goroutine. A failing watcher degrades
// only its own channel: polls are retried with backoff and escalate to a
// WARNING alert after consecutive failures, never terminating the monitor.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/config"
	"github.com/harborline/sandbox-sentinel/internal/state"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/pkg/runtime"
)

var (
	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_findings_total",
			Help: "Total watcher findings by channel and severity",
		},
		[]string{"channel", "severity"},
	)
	watcherFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_watcher_failures_total",
			Help: "Total watcher source failures by channel",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(findingsTotal)
	prometheus.MustRegister(watcherFailures)
}

// maxBackoff caps the retry backoff of a degraded watcher channel.
const maxBackoff = 60 * time.Second

// Alerter receives the monitor's findings. *alerts.Dispatcher satisfies it.
type Alerter interface {
	Fire(severity types.Severity, source, message string) types.Alert
}

// Monitor supervises the watcher channels over one runtime backend.
type Monitor struct {
	backend runtime.Backend
	tracker *state.Tracker
	alerts  Alerter
	cfg     config.MonitorConfig
	log     *logrus.Logger

	findings chan types.Finding

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Monitor. Start must be called to launch the watchers.
func New(backend runtime.Backend, tracker *state.Tracker, alerter Alerter, cfg config.MonitorConfig, log *logrus.Logger) *Monitor {
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 3
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 15 * time.Second
	}
	if cfg.NetworkInterval <= 0 {
		cfg.NetworkInterval = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Monitor{
		backend:  backend,
		tracker:  tracker,
		alerts:   alerter,
		cfg:      cfg,
		log:      log,
		findings: make(chan types.Finding, 64),
		done:     make(chan struct{}),
	}
}

// Start launches all six watcher channels and the dispatch loop. It returns
// immediately; watchers run until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.log.Info("Starting security monitor")

		stats := newStatsWatcher(m.backend, m.cfg)
		procs := newProcessWatcher(m.backend)
		network := newNetworkWatcher(m.backend)
		health := newHealthWatcher(m.backend)

		m.runPolled(ctx, "stats", m.cfg.StatsInterval, stats.observe)
		m.runPolled(ctx, "process", m.cfg.ProcessInterval, procs.observe)
		m.runPolled(ctx, "network", m.cfg.NetworkInterval, network.observe)
		m.runPolled(ctx, "health", m.cfg.HealthInterval, health.observe)
		m.runStream(ctx, "logs", m.streamLogs)
		m.runStream(ctx, "lifecycle-events", m.streamEvents)

		m.wg.Add(1)
		go m.dispatch(ctx)
	})
}

// Stop terminates all watchers and waits for them to exit. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.done)
		m.log.Info("Security monitor stopped")
	})
}

// Done is closed once the monitor has fully stopped.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Pause suspends the polled watchers by moving the sandbox to PAUSED.
// Streaming watchers stay subscribed; a frozen workload produces no data.
func (m *Monitor) Pause() error {
	return m.tracker.Transition(types.StatePaused)
}

// Resume returns the sandbox to RUNNING so polled watchers tick again.
func (m *Monitor) Resume() error {
	return m.tracker.Transition(types.StateRunning)
}

// dispatch drains the merged findings channel, converting each finding 1:1
// into an alert. It is the only goroutine that calls Fire for the monitor.
func (m *Monitor) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.findings:
			findingsTotal.WithLabelValues(f.Channel, string(f.Severity)).Inc()
			m.alerts.Fire(f.Severity, f.Channel, f.Message)
		}
	}
}

func (m *Monitor) emit(ctx context.Context, f types.Finding) {
	select {
	case m.findings <- f:
	case <-ctx.Done():
	}
}

// observeFunc makes one poll against the backend and returns any findings.
type observeFunc func(ctx context.Context) ([]types.Finding, error)

// runPolled ticks observe at interval while the sandbox is RUNNING. Failures
// are counted per channel; after DegradeAfter consecutive failures the
// channel escalates to a WARNING alert and retries with doubling backoff
// until a poll succeeds again.
func (m *Monitor) runPolled(ctx context.Context, channel string, interval time.Duration, observe observeFunc) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		failures := 0
		backoff := interval
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if !m.tracker.Is(types.StateRunning) {
				timer.Reset(interval)
				continue
			}

			findings, err := observe(ctx)
			if err != nil {
				failures++
				watcherFailures.WithLabelValues(channel).Inc()
				m.log.WithError(err).WithField("channel", channel).Warn("Watcher poll failed")
				if failures == m.cfg.DegradeAfter {
					m.emit(ctx, types.Finding{
						Channel:   channel,
						Severity:  types.SeverityWarning,
						Message:   fmt.Sprintf("monitor channel degraded: %s (%d consecutive failures)", channel, failures),
						Timestamp: time.Now(),
					})
				}
				if failures >= m.cfg.DegradeAfter {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					timer.Reset(backoff)
					continue
				}
				timer.Reset(interval)
				continue
			}

			if failures >= m.cfg.DegradeAfter {
				m.log.WithField("channel", channel).Info("Watcher channel recovered")
			}
			failures = 0
			backoff = interval

			for _, f := range findings {
				m.emit(ctx, f)
			}
			timer.Reset(interval)
		}
	}()
}

// streamSource opens a streaming read against the backend and blocks until
// the stream ends, emitting findings along the way.
type streamSource func(ctx context.Context) error

// runStream keeps a streaming watcher subscribed, reconnecting with backoff
// when the source fails. Consecutive connect failures escalate the same way
// polled channels do.
func (m *Monitor) runStream(ctx context.Context, channel string, source streamSource) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		failures := 0
		backoff := time.Second
		for {
			err := source(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				failures++
				watcherFailures.WithLabelValues(channel).Inc()
				m.log.WithError(err).WithField("channel", channel).Warn("Watcher stream failed")
				if failures == m.cfg.DegradeAfter {
					m.emit(ctx, types.Finding{
						Channel:   channel,
						Severity:  types.SeverityWarning,
						Message:   fmt.Sprintf("monitor channel degraded: %s (%d consecutive failures)", channel, failures),
						Timestamp: time.Now(),
					})
				}
			} else {
				// Clean end of stream (e.g. log rotation); resubscribe.
				failures = 0
				backoff = time.Second
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

// streamLogs matches each log line against the pattern table, first match
// per line wins.
func (m *Monitor) streamLogs(ctx context.Context) error {
	lines, err := m.backend.StreamLogs(ctx)
	if err != nil {
		return err
	}
	for line := range lines {
		if f, ok := matchLogLine(line); ok {
			m.emit(ctx, f)
		}
	}
	return nil
}

// streamEvents maps workload lifecycle events onto alert severities.
func (m *Monitor) streamEvents(ctx context.Context) error {
	events, err := m.backend.StreamEvents(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		severity, ok := eventSeverity(ev.Action)
		if !ok {
			continue
		}
		m.emit(ctx, types.Finding{
			Channel:   "lifecycle-events",
			Severity:  severity,
			Message:   fmt.Sprintf("Workload lifecycle event: %s", ev.Action),
			Timestamp: ev.Timestamp,
		})
	}
	return nil
}

func eventSeverity(action string) (types.Severity, bool) {
	switch action {
	case "die", "oom", "kill":
		return types.SeverityCritical, true
	case "restart":
		return types.SeverityWarning, true
	case "start":
		return types.SeverityInfo, true
	}
	return "", false
}
