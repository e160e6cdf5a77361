// Package autopause freezes the sandboxed workload when a CRITICAL alert
// fires. Containment is one-way: only an explicit manual resume thaws the
// workload; the controller never auto-resumes.
package autopause

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/alerts"
	"github.com/harborline/sandbox-sentinel/internal/state"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/pkg/runtime"
)

var autoPauses = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_auto_pauses_total",
	Help: "Total automatic freezes triggered by CRITICAL alerts",
})

func init() {
	prometheus.MustRegister(autoPauses)
}

// Source carried by the controller's own alerts. The controller skips alerts
// from this source so a freeze announcement or failure can never re-trigger
// a freeze.
const alertSource = "auto-pause"

// Freezer is the slice of the runtime backend the controller needs.
type Freezer interface {
	Freeze(ctx context.Context) error
	Unfreeze(ctx context.Context) error
}

var _ Freezer = (*runtime.LocalBackend)(nil)

// Controller receives every alert as a dispatcher sink and pauses the
// sandbox on the first CRITICAL of a streak. Sink delivery only enqueues, so
// a CRITICAL is never dropped the way a full subscriber buffer drops alerts;
// handling runs on the controller's own goroutine.
type Controller struct {
	backend    Freezer
	tracker    *state.Tracker
	dispatcher *alerts.Dispatcher
	log        *logrus.Logger

	ctx      context.Context
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	qmu   sync.Mutex
	queue []types.Alert
	wake  chan struct{}
}

// New builds a Controller. Start must be called to begin watching.
func New(backend Freezer, tracker *state.Tracker, dispatcher *alerts.Dispatcher, log *logrus.Logger) *Controller {
	return &Controller{
		backend:    backend,
		tracker:    tracker,
		dispatcher: dispatcher,
		log:        log,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Start registers the controller as an alert sink and handles queued
// CRITICALs until Stop or ctx cancellation.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.ctx = ctx
	c.dispatcher.AddSink(c)

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				c.drain(ctx)
			}
		}
	}()
}

// Name implements alerts.Sink.
func (c *Controller) Name() string { return alertSource }

// Deliver implements alerts.Sink. It enqueues without bound; filtering here
// keeps the queue to containment-relevant alerts only.
func (c *Controller) Deliver(alert types.Alert) error {
	if alert.Severity != types.SeverityCritical || alert.Source == alertSource {
		return nil
	}
	select {
	case <-c.ctx.Done():
		return nil
	default:
	}
	c.qmu.Lock()
	c.queue = append(c.queue, alert)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Controller) drain(ctx context.Context) {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		alert := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		c.handle(ctx, alert)
	}
}

// Stop ends the watch. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

func (c *Controller) handle(ctx context.Context, alert types.Alert) {
	if alert.Severity != types.SeverityCritical || alert.Source == alertSource {
		return
	}

	// CompareAndTransition makes the freeze race-safe: exactly one CRITICAL
	// per streak wins, the rest see PAUSED and no-op.
	moved, err := c.tracker.CompareAndTransition(types.StateRunning, types.StatePaused)
	if err != nil {
		c.log.WithError(err).Error("Auto-pause state transition failed")
		return
	}
	if !moved {
		return
	}

	if err := c.backend.Freeze(ctx); err != nil {
		// The workload is still running; put the state back so the operator
		// is not left with a false sense of containment.
		if _, terr := c.tracker.CompareAndTransition(types.StatePaused, types.StateRunning); terr != nil {
			c.log.WithError(terr).Error("Failed to revert state after freeze failure")
		}
		c.log.WithError(err).Error("Auto-pause freeze failed")
		c.dispatcher.Fire(types.SeverityCritical, alertSource,
			fmt.Sprintf("Freeze failed, workload NOT contained: %v", err))
		return
	}

	autoPauses.Inc()
	c.log.WithFields(logrus.Fields{
		"trigger_source": alert.Source,
		"trigger_id":     alert.ID,
	}).Warn("Sandbox auto-paused on CRITICAL alert")
	c.dispatcher.Fire(types.SeverityCritical, alertSource,
		fmt.Sprintf("Sandbox auto-frozen: %s", alert.Message))
}

// Resume thaws the workload and returns the sandbox to RUNNING. This is the
// only path out of an auto-pause.
func (c *Controller) Resume(ctx context.Context) error {
	moved, err := c.tracker.CompareAndTransition(types.StatePaused, types.StateRunning)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("sandbox is %s, not PAUSED", c.tracker.Current())
	}
	if err := c.backend.Unfreeze(ctx); err != nil {
		return fmt.Errorf("unfreeze workload: %w", err)
	}
	c.dispatcher.Fire(types.SeverityInfo, alertSource, "Sandbox resumed by operator")
	return nil
}
