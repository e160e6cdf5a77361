// Package types defines the shared data model for findings, alerts, policy
// rules, audit entries, and sandbox state used across the sentinel.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Severity of an alert or finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Finding is a raw detection emitted by a single watcher channel. It is
// transient: the monitor converts each finding 1:1 into an Alert.
type Finding struct {
	Channel   string
	Severity  Severity
	Message   string
	Evidence  string
	Timestamp time.Time
}

// MaxAlertMessage bounds the message carried by an Alert.
const MaxAlertMessage = 200

// Alert is a normalized, severity-tagged event ready for dispatch. Alerts are
// immutable once created and broadcast to every registered sink.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAlert builds an Alert with a fresh ID, truncating message to
// MaxAlertMessage runes.
func NewAlert(severity Severity, source, message string) Alert {
	if runes := []rune(message); len(runes) > MaxAlertMessage {
		message = string(runes[:MaxAlertMessage])
	}
	return Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Source:    source,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// AlertCounts maps severity to the number of alerts fired since monitor start.
type AlertCounts map[Severity]int64

// SandboxState is the lifecycle state of the supervised workload.
type SandboxState string

const (
	StateRunning SandboxState = "RUNNING"
	StatePaused  SandboxState = "PAUSED"
	StateStopped SandboxState = "STOPPED"
)

// Verdict is the outcome a policy rule assigns to a matching domain.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
)

// Origin records where a policy rule came from.
type Origin string

const (
	OriginBuiltin Origin = "built-in"
	OriginFile    Origin = "file"
	OriginSession Origin = "session"
)

// PolicyRule is a single allow/deny domain rule. Pattern is either an exact
// domain or a "*.suffix" wildcard.
type PolicyRule struct {
	Pattern string  `json:"pattern"`
	Verdict Verdict `json:"verdict"`
	Origin  Origin  `json:"origin"`
}

// Decision is the audited outcome of an egress request.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionDeny          Decision = "deny"
	DecisionPending       Decision = "pending"
	DecisionBlockedSecret Decision = "blocked_secret"
)

// AuditEntry is one append-only record of an egress decision.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Domain    string    `json:"domain"`
	Port      int       `json:"port"`
	Method    string    `json:"method"`
	Decision  Decision  `json:"decision"`
}

// Resolution of a pending approval. Exactly one resolution is ever recorded.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionApproved   Resolution = "approved"
	ResolutionDenied     Resolution = "denied"
	ResolutionTimedOut   Resolution = "timed-out"
)

// PendingApproval is a read-only snapshot of an in-flight human decision gate.
type PendingApproval struct {
	Domain    string     `json:"domain"`
	Port      int        `json:"port"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  time.Time  `json:"deadline"`
	Waiting   int        `json:"waiting_seconds"`
	State     Resolution `json:"resolution"`
}
