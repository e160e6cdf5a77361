// Package alerts implements the alert dispatcher: it converts monitor
// findings and policy events into alerts, keeps running severity counts,
// and fans each alert out to every registered sink.
package alerts

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

var alertsFired = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_alerts_fired_total",
		Help: "Total alerts fired by severity and source",
	},
	[]string{"severity", "source"},
)

func init() {
	prometheus.MustRegister(alertsFired)
}

// Sink receives every fired alert. Deliver must not block; sinks that talk
// to the network hand off to their own goroutine.
type Sink interface {
	Name() string
	Deliver(alert types.Alert) error
}

const (
	historyLimit = 1000
	historyKeep  = 500
)

// Dispatcher fans alerts out to sinks and live subscribers, and maintains
// process-wide severity counts. Counts are updated synchronously before any
// sink sees the alert, so they are exact regardless of sink behavior.
type Dispatcher struct {
	log *logrus.Logger

	mu      sync.Mutex
	counts  types.AlertCounts
	history []types.Alert
	sinks   []Sink

	subMu   sync.Mutex
	subs    map[int]chan types.Alert
	nextSub int
}

// NewDispatcher returns a Dispatcher with zeroed counts and a terminal sink.
func NewDispatcher(log *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		log:    log,
		counts: types.AlertCounts{types.SeverityCritical: 0, types.SeverityWarning: 0, types.SeverityInfo: 0},
		subs:   make(map[int]chan types.Alert),
	}
	d.sinks = append(d.sinks, &terminalSink{log: log})
	return d
}

// AddSink registers an additional sink. Not safe to call after Fire is in use
// from other goroutines; wire sinks during startup.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Fire creates an alert and delivers it to every sink and subscriber.
// A failing sink is logged and isolated; it never blocks the others or the
// caller. Per-source ordering is preserved because delivery happens under
// the dispatch lock.
func (d *Dispatcher) Fire(severity types.Severity, source, message string) types.Alert {
	alert := types.NewAlert(severity, source, message)
	alertsFired.WithLabelValues(string(severity), source).Inc()

	d.mu.Lock()
	d.counts[severity]++
	d.history = append(d.history, alert)
	if len(d.history) > historyLimit {
		d.history = append([]types.Alert(nil), d.history[len(d.history)-historyKeep:]...)
	}
	sinks := d.sinks
	for _, s := range sinks {
		if err := s.Deliver(alert); err != nil {
			d.log.WithError(err).WithField("sink", s.Name()).Error("Alert sink failed")
		}
	}
	d.mu.Unlock()

	d.broadcast(alert)
	return alert
}

// broadcast pushes the alert to live subscribers without blocking; a full
// subscriber buffer drops the alert for that subscriber only.
func (d *Dispatcher) broadcast(alert types.Alert) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for id, ch := range d.subs {
		select {
		case ch <- alert:
		default:
			d.log.WithField("subscriber", id).Warn("Alert subscriber full, dropping alert")
		}
	}
}

// Subscribe returns a buffered live alert stream and its id for Unsubscribe.
func (d *Dispatcher) Subscribe(buffer int) (int, <-chan types.Alert) {
	if buffer <= 0 {
		buffer = 64
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	ch := make(chan types.Alert, buffer)
	d.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the subscriber stream.
func (d *Dispatcher) Unsubscribe(id int) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
}

// Counts returns a copy of the severity counts accumulated since start.
func (d *Dispatcher) Counts() types.AlertCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(types.AlertCounts, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// History returns up to last recent alerts, optionally filtered by severity
// (empty severity means all).
func (d *Dispatcher) History(last int, severity types.Severity) []types.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := d.history
	if severity != "" {
		filtered := make([]types.Alert, 0, len(src))
		for _, a := range src {
			if a.Severity == severity {
				filtered = append(filtered, a)
			}
		}
		src = filtered
	}
	if last > 0 && len(src) > last {
		src = src[len(src)-last:]
	}
	return append([]types.Alert(nil), src...)
}

// LoadHistory restores prior alerts from an alert log file into the history
// buffer (not the counts: counts cover the current process only).
func (d *Dispatcher) LoadHistory(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var a types.Alert
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			continue // tolerate malformed lines
		}
		d.history = append(d.history, a)
	}
	if len(d.history) > historyLimit {
		d.history = append([]types.Alert(nil), d.history[len(d.history)-historyKeep:]...)
	}
	return scanner.Err()
}

// terminalSink logs alerts at a level matching their severity.
type terminalSink struct {
	log *logrus.Logger
}

func (t *terminalSink) Name() string { return "terminal" }

func (t *terminalSink) Deliver(alert types.Alert) error {
	entry := t.log.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"source":   alert.Source,
	})
	switch alert.Severity {
	case types.SeverityCritical:
		entry.Error(alert.Message)
	case types.SeverityWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
	return nil
}
