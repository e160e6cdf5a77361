package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

var (
	egressDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_egress_decisions_total",
			Help: "Total egress decisions by outcome",
		},
		[]string{"decision"},
	)
	pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_pending_approvals",
			Help: "Number of egress approvals awaiting a human decision",
		},
	)
)

func init() {
	prometheus.MustRegister(egressDecisions)
	prometheus.MustRegister(pendingApprovals)
}

// Errors returned by approval resolution.
var (
	// ErrAlreadyResolved rejects a second resolution of the same approval.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Alerter is the alert surface the engine fires into. *alerts.Dispatcher
// satisfies it.
type Alerter interface {
	Fire(severity types.Severity, source, message string) types.Alert
}

// auditRing bounds the in-memory audit trail.
const (
	auditLimit = 5000
	auditKeep  = 2500
)

// resolvedRetention is how long a finished approval keeps rejecting repeat
// resolutions with ErrAlreadyResolved. After the window the domain can go
// through the approval flow again.
const resolvedRetention = 10 * time.Minute

// historyLimit bounds the resolved-approval history the same way the alert
// dispatcher bounds its history.
const historyLimit = 1000

// approval is the future a blocked proxy request waits on. Resolution is
// single-assignment: done closes exactly once, after resolution is set.
type approval struct {
	domain     string
	port       int
	createdAt  time.Time
	deadline   time.Time
	resolution types.Resolution
	done       chan struct{}
}

// Engine wraps the policy store with a pending-approval queue and an
// append-only audit log. It is the single decision point for the egress
// proxy.
type Engine struct {
	store   *Store
	alerts  Alerter
	log     *logrus.Logger
	timeout time.Duration

	auditMu   sync.Mutex
	audit     []types.AuditEntry
	auditFile *os.File

	pendMu   sync.Mutex
	pending  map[string]*approval
	resolved map[string]time.Time
	history  []types.PendingApproval
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	ApprovalTimeout time.Duration
	AuditLogPath    string
}

// NewEngine returns an Engine over store, firing alerts into alerter.
func NewEngine(store *Store, alerter Alerter, cfg EngineConfig, log *logrus.Logger) (*Engine, error) {
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = 60 * time.Second
	}

	e := &Engine{
		store:    store,
		alerts:   alerter,
		log:      log,
		timeout:  cfg.ApprovalTimeout,
		pending:  make(map[string]*approval),
		resolved: make(map[string]time.Time),
	}

	if cfg.AuditLogPath != "" {
		file, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		e.auditFile = file
	}
	return e, nil
}

// Close releases the audit log file.
func (e *Engine) Close() error {
	if e.auditFile != nil {
		return e.auditFile.Close()
	}
	return nil
}

// Store returns the underlying policy store.
func (e *Engine) Store() *Store { return e.store }

// Decide evaluates an egress request. A matched DENY rejects immediately; a
// matched ALLOW permits (body scanning is the proxy's job); an unmatched
// domain blocks on a pending approval until resolution or the deadline.
// Every outcome is audited.
func (e *Engine) Decide(ctx context.Context, domain string, port int, method string) (types.Decision, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	verdict, matched := e.store.Snapshot().Resolve(domain)
	if matched {
		switch verdict {
		case types.VerdictDeny:
			e.record(domain, port, method, types.DecisionDeny)
			e.alerts.Fire(types.SeverityWarning, "egress", fmt.Sprintf("Egress denied by policy: %s:%d", domain, port))
			return types.DecisionDeny, nil
		case types.VerdictAllow:
			e.record(domain, port, method, types.DecisionAllow)
			return types.DecisionAllow, nil
		}
	}

	// Unmatched: create or join the pending approval for this domain.
	a, created := e.createOrJoin(domain, port)
	e.record(domain, port, method, types.DecisionPending)
	if created {
		e.alerts.Fire(types.SeverityWarning, "egress",
			fmt.Sprintf("Approval needed: %s:%d", domain, port))
		// The creator owns the deadline timer.
		go e.expire(a)
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		e.record(domain, port, method, types.DecisionDeny)
		return types.DecisionDeny, ctx.Err()
	}

	if a.resolution == types.ResolutionApproved {
		e.record(domain, port, method, types.DecisionAllow)
		return types.DecisionAllow, nil
	}
	e.record(domain, port, method, types.DecisionDeny)
	return types.DecisionDeny, nil
}

func (e *Engine) createOrJoin(domain string, port int) (*approval, bool) {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()

	if a, ok := e.pending[domain]; ok {
		return a, false
	}
	now := time.Now()
	a := &approval{
		domain:     domain,
		port:       port,
		createdAt:  now,
		deadline:   now.Add(e.timeout),
		resolution: types.ResolutionUnresolved,
		done:       make(chan struct{}),
	}
	e.pending[domain] = a
	pendingApprovals.Inc()
	return a, true
}

// expire resolves the approval as timed-out when the deadline passes first.
// Timeout is a designed fail-closed outcome, not an error; the creation
// WARNING already covered the operator, so only the audit trail records it.
func (e *Engine) expire(a *approval) {
	timer := time.NewTimer(time.Until(a.deadline))
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		if e.resolveLocked(a.domain, types.ResolutionTimedOut, nil) == nil {
			e.log.WithField("domain", a.domain).Warn("Egress approval timed out, denying")
		}
	}
}

// resolveLocked assigns the resolution exactly once and releases all
// waiters. applyStore, if non-nil, runs only when the resolution is not
// rejected, so a rejected double resolution leaves all state unchanged.
func (e *Engine) resolveLocked(domain string, res types.Resolution, applyStore func()) error {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()

	now := time.Now()
	for d, at := range e.resolved {
		if now.Sub(at) > resolvedRetention {
			delete(e.resolved, d)
		}
	}

	a, ok := e.pending[domain]
	if !ok {
		if _, was := e.resolved[domain]; was {
			return ErrAlreadyResolved
		}
		// Nothing pending: the resolution is a policy-only update.
		if applyStore != nil {
			applyStore()
		}
		return nil
	}

	if applyStore != nil {
		applyStore()
	}
	a.resolution = res
	close(a.done)
	delete(e.pending, domain)
	pendingApprovals.Dec()
	e.resolved[domain] = now
	e.history = append(e.history, types.PendingApproval{
		Domain:    a.domain,
		Port:      a.port,
		CreatedAt: a.createdAt,
		Deadline:  a.deadline,
		State:     res,
	})
	if len(e.history) > historyLimit {
		e.history = append([]types.PendingApproval(nil), e.history[len(e.history)-historyLimit/2:]...)
	}
	return nil
}

// Approve resolves a pending approval for domain and records the allowance
// in the store: permanently (origin=file, persisted) or for this session
// only. Approving with nothing pending only updates the store; re-resolving
// an already-resolved approval is rejected with state unchanged.
func (e *Engine) Approve(domain string, permanent bool) error {
	domain = strings.ToLower(strings.TrimSpace(domain))

	rule := types.PolicyRule{Pattern: domain, Verdict: types.VerdictAllow, Origin: types.OriginSession}
	if permanent {
		rule.Origin = types.OriginFile
	}

	err := e.resolveLocked(domain, types.ResolutionApproved, func() {
		e.store.Add(rule)
		if permanent {
			if err := e.store.Save(); err != nil {
				e.log.WithError(err).Warn("Failed to persist approved domain")
			}
		}
	})
	if err != nil {
		return err
	}
	e.alerts.Fire(types.SeverityInfo, "egress", fmt.Sprintf("Egress approved: %s", domain))
	return nil
}

// Deny resolves a pending approval for domain as denied and records a
// session DENY rule so repeat requests fail fast.
func (e *Engine) Deny(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))

	err := e.resolveLocked(domain, types.ResolutionDenied, func() {
		e.store.Add(types.PolicyRule{Pattern: domain, Verdict: types.VerdictDeny, Origin: types.OriginSession})
	})
	if err != nil {
		return err
	}
	e.alerts.Fire(types.SeverityWarning, "egress", fmt.Sprintf("Egress denied: %s", domain))
	return nil
}

// RecordBlockedSecret audits a request rejected by the secret scanner and
// fires the corresponding CRITICAL alert.
func (e *Engine) RecordBlockedSecret(domain string, port int, method, reason string) {
	e.record(domain, port, method, types.DecisionBlockedSecret)
	e.alerts.Fire(types.SeverityCritical, "egress",
		fmt.Sprintf("Blocked: %s detected in request to %s:%d", reason, domain, port))
}

// Pending returns snapshots of all unresolved approvals.
func (e *Engine) Pending() []types.PendingApproval {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()

	out := make([]types.PendingApproval, 0, len(e.pending))
	now := time.Now()
	for _, a := range e.pending {
		out = append(out, types.PendingApproval{
			Domain:    a.domain,
			Port:      a.port,
			CreatedAt: a.createdAt,
			Deadline:  a.deadline,
			Waiting:   int(now.Sub(a.createdAt).Seconds()),
			State:     types.ResolutionUnresolved,
		})
	}
	return out
}

// ApprovalHistory returns up to last resolved approvals, oldest first.
func (e *Engine) ApprovalHistory(last int) []types.PendingApproval {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	src := e.history
	if last > 0 && len(src) > last {
		src = src[len(src)-last:]
	}
	return append([]types.PendingApproval(nil), src...)
}

// record appends an audit entry to the in-memory ring and the audit log file.
func (e *Engine) record(domain string, port int, method string, decision types.Decision) {
	entry := types.AuditEntry{
		Timestamp: time.Now(),
		Domain:    domain,
		Port:      port,
		Method:    method,
		Decision:  decision,
	}
	egressDecisions.WithLabelValues(string(decision)).Inc()

	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	e.audit = append(e.audit, entry)
	if len(e.audit) > auditLimit {
		e.audit = append([]types.AuditEntry(nil), e.audit[len(e.audit)-auditKeep:]...)
	}
	if e.auditFile != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			_, err = e.auditFile.Write(append(data, '\n'))
		}
		if err != nil {
			e.log.WithError(err).Warn("Failed to append audit entry")
		}
	}
}

// AuditTrail returns up to last recent audit entries, oldest first.
func (e *Engine) AuditTrail(last int) []types.AuditEntry {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	src := e.audit
	if last > 0 && len(src) > last {
		src = src[len(src)-last:]
	}
	return append([]types.AuditEntry(nil), src...)
}
