package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

// FileSink appends alerts to a line-delimited JSON log. Each append is a
// single write, so concurrent callers interleave at record granularity.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the alert log for appending.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open alert log: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (f *FileSink) Name() string { return "alert-log" }

func (f *FileSink) Deliver(alert types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.file.Write(append(data, '\n'))
	return err
}

// Close closes the underlying log file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// WebhookSink POSTs alerts to an external notification endpoint. Delivery is
// handed to a goroutine so a slow endpoint never stalls Fire; failures are
// logged and isolated.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewWebhookSink returns a sink posting alerts to url.
func NewWebhookSink(url string, timeout time.Duration, log *logrus.Logger) *WebhookSink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(alert types.Alert) error {
	go func() {
		if err := w.post(alert); err != nil {
			w.log.WithError(err).WithField("url", w.url).Warn("Alert webhook delivery failed")
		}
	}()
	return nil
}

func (w *WebhookSink) post(alert types.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
