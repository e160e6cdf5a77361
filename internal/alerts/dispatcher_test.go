package alerts

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestDispatcher_Counts(t *testing.T) {
	d := NewDispatcher(testLogger())

	var wg sync.WaitGroup
	fire := func(n int, sev types.Severity) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			d.Fire(sev, "test", "msg")
		}
	}
	wg.Add(3)
	go fire(5, types.SeverityCritical)
	go fire(3, types.SeverityWarning)
	go fire(7, types.SeverityInfo)
	wg.Wait()

	counts := d.Counts()
	if counts[types.SeverityCritical] != 5 || counts[types.SeverityWarning] != 3 || counts[types.SeverityInfo] != 7 {
		t.Errorf("counts = %v, want {CRITICAL:5 WARNING:3 INFO:7}", counts)
	}
}

func TestDispatcher_MessageTruncation(t *testing.T) {
	d := NewDispatcher(testLogger())
	alert := d.Fire(types.SeverityInfo, "test", strings.Repeat("x", 500))
	if len(alert.Message) != types.MaxAlertMessage {
		t.Errorf("message length = %d, want %d", len(alert.Message), types.MaxAlertMessage)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string                  { return "failing" }
func (f *failingSink) Deliver(a types.Alert) error   { f.calls++; return errors.New("sink down") }

type recordingSink struct{ alerts []types.Alert }

func (r *recordingSink) Name() string                { return "recording" }
func (r *recordingSink) Deliver(a types.Alert) error { r.alerts = append(r.alerts, a); return nil }

func TestDispatcher_FailingSinkIsolated(t *testing.T) {
	d := NewDispatcher(testLogger())
	bad := &failingSink{}
	good := &recordingSink{}
	d.AddSink(bad)
	d.AddSink(good)

	d.Fire(types.SeverityWarning, "test", "one")
	d.Fire(types.SeverityWarning, "test", "two")

	if bad.calls != 2 {
		t.Errorf("failing sink calls = %d, want 2", bad.calls)
	}
	if len(good.alerts) != 2 {
		t.Errorf("good sink received %d alerts, want 2 despite failing sibling", len(good.alerts))
	}
	if c := d.Counts()[types.SeverityWarning]; c != 2 {
		t.Errorf("counts unaffected by sink failure, got %d", c)
	}
}

func TestDispatcher_SubscriberOrderPerSource(t *testing.T) {
	d := NewDispatcher(testLogger())
	id, ch := d.Subscribe(16)
	defer d.Unsubscribe(id)

	d.Fire(types.SeverityInfo, "src", "first")
	d.Fire(types.SeverityInfo, "src", "second")
	d.Fire(types.SeverityInfo, "src", "third")

	want := []string{"first", "second", "third"}
	for _, w := range want {
		select {
		case a := <-ch:
			if a.Message != w {
				t.Fatalf("got %q, want %q", a.Message, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for alert")
		}
	}
}

func TestDispatcher_SlowSubscriberDrops(t *testing.T) {
	d := NewDispatcher(testLogger())
	id, ch := d.Subscribe(1)
	defer d.Unsubscribe(id)

	// Buffer of one: the second fire must drop, not block.
	done := make(chan struct{})
	go func() {
		d.Fire(types.SeverityInfo, "src", "a")
		d.Fire(types.SeverityInfo, "src", "b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Fire blocked on a full subscriber")
	}
	<-ch // only "a" was delivered
	select {
	case a := <-ch:
		t.Fatalf("unexpected second delivery: %q", a.Message)
	default:
	}
}

func TestDispatcher_HistoryFilter(t *testing.T) {
	d := NewDispatcher(testLogger())
	d.Fire(types.SeverityCritical, "a", "c1")
	d.Fire(types.SeverityWarning, "a", "w1")
	d.Fire(types.SeverityCritical, "b", "c2")

	crit := d.History(10, types.SeverityCritical)
	if len(crit) != 2 {
		t.Fatalf("critical history = %d entries, want 2", len(crit))
	}
	all := d.History(2, "")
	if len(all) != 2 || all[1].Message != "c2" {
		t.Errorf("History(2) = %v", all)
	}
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	d := NewDispatcher(testLogger())
	d.AddSink(sink)
	d.Fire(types.SeverityWarning, "egress", "denied example.com")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var a types.Alert
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &a); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if a.Severity != types.SeverityWarning || a.Source != "egress" {
		t.Errorf("logged alert = %+v", a)
	}
}

func TestDispatcher_LoadHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	lines := `{"id":"1","severity":"INFO","source":"monitor","message":"started","timestamp":"2026-01-02T10:00:00Z"}
not json at all
{"id":"2","severity":"CRITICAL","source":"processes","message":"bash","timestamp":"2026-01-02T10:01:00Z"}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(testLogger())
	if err := d.LoadHistory(path); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if got := len(d.History(10, "")); got != 2 {
		t.Errorf("history = %d entries, want 2 (malformed line skipped)", got)
	}
	// Restored history must not inflate current-process counts.
	if c := d.Counts()[types.SeverityCritical]; c != 0 {
		t.Errorf("counts after LoadHistory = %d, want 0", c)
	}
}

func TestWebhookSink_PostsAsync(t *testing.T) {
	received := make(chan types.Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a types.Alert
		json.NewDecoder(r.Body).Decode(&a)
		received <- a
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, testLogger())
	d := NewDispatcher(testLogger())
	d.AddSink(sink)
	d.Fire(types.SeverityCritical, "health", "unhealthy")

	select {
	case a := <-received:
		if a.Source != "health" {
			t.Errorf("webhook received %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}
