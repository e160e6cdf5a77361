package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

// fakeAlerter records fired alerts for assertions.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (f *fakeAlerter) Fire(severity types.Severity, source, message string) types.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := types.NewAlert(severity, source, message)
	f.alerts = append(f.alerts, a)
	return a
}

func (f *fakeAlerter) count(severity types.Severity, substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Severity == severity && strings.Contains(a.Message, substr) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *Store, *fakeAlerter) {
	t.Helper()
	store := NewStore("", testLogger())
	alerter := &fakeAlerter{}
	engine, err := NewEngine(store, alerter, EngineConfig{ApprovalTimeout: timeout}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, store, alerter
}

func auditCount(entries []types.AuditEntry, domain string, decision types.Decision) int {
	n := 0
	for _, e := range entries {
		if e.Domain == domain && e.Decision == decision {
			n++
		}
	}
	return n
}

func TestEngine_DecideDeniedByPolicy(t *testing.T) {
	engine, store, alerter := newTestEngine(t, time.Minute)
	store.Add(types.PolicyRule{Pattern: "blocked.example.com", Verdict: types.VerdictDeny, Origin: types.OriginFile})

	decision, err := engine.Decide(context.Background(), "blocked.example.com", 443, "CONNECT")
	if err != nil || decision != types.DecisionDeny {
		t.Fatalf("Decide = (%s, %v), want (deny, nil)", decision, err)
	}
	if n := alerter.count(types.SeverityWarning, "denied by policy"); n != 1 {
		t.Errorf("policy-deny warnings = %d, want 1", n)
	}
	if n := auditCount(engine.AuditTrail(0), "blocked.example.com", types.DecisionDeny); n != 1 {
		t.Errorf("audited denies = %d, want 1", n)
	}
}

func TestEngine_DecideAllowedByPolicy(t *testing.T) {
	engine, store, alerter := newTestEngine(t, time.Minute)
	store.Add(types.PolicyRule{Pattern: "api.example.com", Verdict: types.VerdictAllow, Origin: types.OriginFile})

	decision, err := engine.Decide(context.Background(), "api.example.com", 443, "CONNECT")
	if err != nil || decision != types.DecisionAllow {
		t.Fatalf("Decide = (%s, %v), want (allow, nil)", decision, err)
	}
	if len(alerter.alerts) != 0 {
		t.Errorf("alerts fired on allow = %d, want 0", len(alerter.alerts))
	}
	if n := auditCount(engine.AuditTrail(0), "api.example.com", types.DecisionAllow); n != 1 {
		t.Errorf("audited allows = %d, want 1", n)
	}
}

func TestEngine_ApprovePendingRequest(t *testing.T) {
	engine, store, _ := newTestEngine(t, time.Minute)

	results := make(chan types.Decision, 1)
	go func() {
		d, _ := engine.Decide(context.Background(), "new.example.com", 443, "CONNECT")
		results <- d
	}()

	waitForPending(t, engine, 1)
	if err := engine.Approve("new.example.com", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if d := <-results; d != types.DecisionAllow {
		t.Fatalf("decision after approve = %s, want allow", d)
	}

	// The session rule makes the next request an immediate allow.
	d, err := engine.Decide(context.Background(), "new.example.com", 443, "GET")
	if err != nil || d != types.DecisionAllow {
		t.Fatalf("second Decide = (%s, %v), want (allow, nil)", d, err)
	}
	if v, ok := store.Snapshot().Resolve("new.example.com"); !ok || v != types.VerdictAllow {
		t.Errorf("session rule missing: (%s, %v)", v, ok)
	}
}

func TestEngine_DenyPendingRequest(t *testing.T) {
	engine, store, _ := newTestEngine(t, time.Minute)

	results := make(chan types.Decision, 1)
	go func() {
		d, _ := engine.Decide(context.Background(), "shady.example.com", 80, "GET")
		results <- d
	}()

	waitForPending(t, engine, 1)
	if err := engine.Deny("shady.example.com"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	if d := <-results; d != types.DecisionDeny {
		t.Fatalf("decision after deny = %s, want deny", d)
	}
	if v, ok := store.Snapshot().Resolve("shady.example.com"); !ok || v != types.VerdictDeny {
		t.Errorf("session deny rule missing: (%s, %v)", v, ok)
	}
}

func TestEngine_ApprovalTimesOutAsDeny(t *testing.T) {
	engine, store, _ := newTestEngine(t, 80*time.Millisecond)

	decision, err := engine.Decide(context.Background(), "slow.example.com", 443, "CONNECT")
	if err != nil || decision != types.DecisionDeny {
		t.Fatalf("Decide = (%s, %v), want (deny, nil)", decision, err)
	}

	trail := engine.AuditTrail(0)
	if n := auditCount(trail, "slow.example.com", types.DecisionPending); n != 1 {
		t.Errorf("audited pending = %d, want 1", n)
	}
	if n := auditCount(trail, "slow.example.com", types.DecisionDeny); n != 1 {
		t.Errorf("audited deny = %d, want 1", n)
	}

	history := engine.ApprovalHistory(0)
	if len(history) != 1 || history[0].State != types.ResolutionTimedOut {
		t.Fatalf("history = %+v, want one timed-out entry", history)
	}

	// Resolving after the timeout is rejected with state unchanged.
	rulesBefore := len(store.Rules())
	if err := engine.Approve("slow.example.com", false); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Approve after timeout = %v, want ErrAlreadyResolved", err)
	}
	if got := len(store.Rules()); got != rulesBefore {
		t.Errorf("rules changed on rejected resolution: %d -> %d", rulesBefore, got)
	}
}

func TestEngine_DoubleResolutionRejected(t *testing.T) {
	engine, store, _ := newTestEngine(t, time.Minute)

	results := make(chan types.Decision, 1)
	go func() {
		d, _ := engine.Decide(context.Background(), "dup.example.com", 443, "CONNECT")
		results <- d
	}()

	waitForPending(t, engine, 1)
	if err := engine.Approve("dup.example.com", false); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	<-results

	if err := engine.Deny("dup.example.com"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Deny after Approve = %v, want ErrAlreadyResolved", err)
	}
	// The ALLOW rule from the first resolution still stands.
	if v, ok := store.Snapshot().Resolve("dup.example.com"); !ok || v != types.VerdictAllow {
		t.Errorf("rule after rejected deny = (%s, %v), want (ALLOW, true)", v, ok)
	}
}

func TestEngine_SecondRequestJoinsPending(t *testing.T) {
	engine, _, alerter := newTestEngine(t, time.Minute)

	results := make(chan types.Decision, 2)
	go func() {
		d, _ := engine.Decide(context.Background(), "joined.example.com", 443, "CONNECT")
		results <- d
	}()
	waitForPending(t, engine, 1)

	go func() {
		d, _ := engine.Decide(context.Background(), "joined.example.com", 443, "CONNECT")
		results <- d
	}()

	// The second request must join, not create a second approval.
	deadline := time.Now().Add(2 * time.Second)
	for auditCount(engine.AuditTrail(0), "joined.example.com", types.DecisionPending) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second request never registered as pending")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(engine.Pending()); got != 1 {
		t.Fatalf("pending approvals = %d, want 1", got)
	}
	if n := alerter.count(types.SeverityWarning, "Approval needed"); n != 1 {
		t.Fatalf("approval-needed warnings = %d, want 1", n)
	}

	if err := engine.Approve("joined.example.com", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	for i := 0; i < 2; i++ {
		if d := <-results; d != types.DecisionAllow {
			t.Errorf("joined decision = %s, want allow", d)
		}
	}
	// Both requests record their own post-resolution audit entry.
	if n := auditCount(engine.AuditTrail(0), "joined.example.com", types.DecisionAllow); n != 2 {
		t.Errorf("audited allows = %d, want 2", n)
	}
}

func TestEngine_ContextCancelDenies(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan types.Decision, 1)
	errs := make(chan error, 1)
	go func() {
		d, err := engine.Decide(ctx, "cancelled.example.com", 443, "CONNECT")
		results <- d
		errs <- err
	}()

	waitForPending(t, engine, 1)
	cancel()

	if d := <-results; d != types.DecisionDeny {
		t.Errorf("decision after cancel = %s, want deny", d)
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEngine_ApproveWithNothingPending(t *testing.T) {
	engine, store, _ := newTestEngine(t, time.Minute)

	if err := engine.Approve("preapproved.example.com", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if v, ok := store.Snapshot().Resolve("preapproved.example.com"); !ok || v != types.VerdictAllow {
		t.Errorf("rule = (%s, %v), want (ALLOW, true)", v, ok)
	}
}

func TestEngine_ResolvedRetentionExpires(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Minute)

	engine.pendMu.Lock()
	engine.resolved["stale.example.com"] = time.Now().Add(-resolvedRetention - time.Minute)
	engine.resolved["fresh.example.com"] = time.Now()
	engine.pendMu.Unlock()

	if err := engine.Deny("fresh.example.com"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Deny(fresh) = %v, want ErrAlreadyResolved", err)
	}
	// Past the window the domain resolves again as a policy-only update.
	if err := engine.Deny("stale.example.com"); err != nil {
		t.Errorf("Deny(stale) = %v, want nil", err)
	}
}

func TestEngine_ApprovalHistoryBounded(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Minute)

	engine.pendMu.Lock()
	for i := 0; i < historyLimit; i++ {
		engine.history = append(engine.history, types.PendingApproval{Domain: "filler.example.com"})
	}
	engine.pendMu.Unlock()

	go engine.Decide(context.Background(), "latest.example.com", 443, "GET")
	waitForPending(t, engine, 1)
	if err := engine.Deny("latest.example.com"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	hist := engine.ApprovalHistory(0)
	if len(hist) != historyLimit/2 {
		t.Errorf("history length = %d, want %d", len(hist), historyLimit/2)
	}
	if got := hist[len(hist)-1].Domain; got != "latest.example.com" {
		t.Errorf("newest history entry = %q, want latest.example.com", got)
	}
}

func TestEngine_RecordBlockedSecret(t *testing.T) {
	engine, _, alerter := newTestEngine(t, time.Minute)

	engine.RecordBlockedSecret("exfil.example.com", 443, "POST", "secret pattern")

	if n := alerter.count(types.SeverityCritical, "secret pattern"); n != 1 {
		t.Errorf("critical alerts = %d, want 1", n)
	}
	if n := auditCount(engine.AuditTrail(0), "exfil.example.com", types.DecisionBlockedSecret); n != 1 {
		t.Errorf("audited blocked_secret = %d, want 1", n)
	}
}

func TestEngine_AuditTrailLast(t *testing.T) {
	engine, store, _ := newTestEngine(t, time.Minute)
	store.Add(types.PolicyRule{Pattern: "api.example.com", Verdict: types.VerdictAllow, Origin: types.OriginFile})

	for i := 0; i < 5; i++ {
		engine.Decide(context.Background(), "api.example.com", 443, "GET")
	}
	if got := len(engine.AuditTrail(3)); got != 3 {
		t.Errorf("AuditTrail(3) = %d entries, want 3", got)
	}
	if got := len(engine.AuditTrail(0)); got != 5 {
		t.Errorf("AuditTrail(0) = %d entries, want 5", got)
	}
}

func waitForPending(t *testing.T, engine *Engine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(engine.Pending()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending approvals never reached %d", n)
}
