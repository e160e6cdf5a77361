// Package proxy is the egress chokepoint for the sandboxed workload: a
// forward HTTP proxy that consults the policy engine per request, tunnels
// CONNECT traffic, and scans plaintext request content for secrets before
// forwarding.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/config"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/pkg/policy"
	"github.com/harborline/sandbox-sentinel/pkg/scanner"
)

var proxyRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_proxy_requests_total",
		Help: "Total proxied requests by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(proxyRequests)
}

// maxScanBody caps how much of a request body is buffered for scanning.
const maxScanBody = 1 << 20

// Hop-by-hop headers are stripped before forwarding.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is the egress proxy server.
type Proxy struct {
	engine  *policy.Engine
	scanner *scanner.Scanner
	cfg     config.ProxyConfig
	log     *logrus.Logger

	server   *http.Server
	listener net.Listener
	client   *http.Client

	stopOnce sync.Once
}

// New builds a Proxy over the policy engine and secret scanner.
func New(engine *policy.Engine, sc *scanner.Scanner, cfg config.ProxyConfig, log *logrus.Logger) *Proxy {
	p := &Proxy{
		engine:  engine,
		scanner: sc,
		cfg:     cfg,
		log:     log,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
				// The workload's client decides what to do with redirects.
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// No server-side timeouts: CONNECT tunnels and approval waits are
	// long-lived by design; the tunnel enforces its own idle deadline.
	p.server = &http.Server{Handler: p}
	return p
}

// Start binds the listen address and serves in the background.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.ListenAddr, err)
	}
	p.listener = listener
	p.log.WithField("addr", listener.Addr().String()).Info("Egress proxy listening")

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.log.WithError(err).Error("Egress proxy server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return p.cfg.ListenAddr
	}
	return p.listener.Addr().String()
}

// Stop shuts the proxy down gracefully. Idempotent.
func (p *Proxy) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		err = p.server.Shutdown(ctx)
	})
	return err
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "this is a forward proxy; absolute-form request URI required", http.StatusBadRequest)
		return
	}
	p.handleForward(w, r)
}

// handleConnect enforces policy on the CONNECT target, then splices a raw
// tunnel between client and upstream. Tunneled bytes are opaque; TLS
// payloads are never inspected.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := splitTarget(r.Host, 443)
	if err != nil {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "malformed CONNECT target", http.StatusBadRequest)
		return
	}

	decision, err := p.engine.Decide(r.Context(), host, port, http.MethodConnect)
	if err != nil || decision != types.DecisionAllow {
		proxyRequests.WithLabelValues(string(types.DecisionDeny)).Inc()
		http.Error(w, fmt.Sprintf("egress to %s:%d denied", host, port), http.StatusForbidden)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.cfg.DialTimeout)
	if err != nil {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		proxyRequests.WithLabelValues("error").Inc()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	proxyRequests.WithLabelValues("tunnel").Inc()
	p.tunnel(client, upstream)
}

// tunnel copies bytes both ways until one side closes or the idle deadline
// passes with no traffic in either direction.
func (p *Proxy) tunnel(client, upstream net.Conn) {
	idle := p.cfg.TunnelIdle
	done := make(chan struct{}, 2)

	splice := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			if idle > 0 {
				src.SetReadDeadline(time.Now().Add(idle))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go splice(upstream, client)
	go splice(client, upstream)
	<-done
	client.Close()
	upstream.Close()
	<-done
}

// handleForward enforces policy on a plain HTTP request, scans the URL and
// body for secrets on permitted requests, and forwards upstream.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	port := 80
	if s := r.URL.Port(); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			proxyRequests.WithLabelValues("error").Inc()
			http.Error(w, "malformed target port", http.StatusBadRequest)
			return
		}
		port = n
	}

	decision, err := p.engine.Decide(r.Context(), host, port, r.Method)
	if err != nil || decision != types.DecisionAllow {
		proxyRequests.WithLabelValues(string(types.DecisionDeny)).Inc()
		http.Error(w, fmt.Sprintf("egress to %s:%d denied", host, port), http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody))
	if err != nil {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if result := p.scanOutbound(r.URL.String(), body); result.Matched {
		p.engine.RecordBlockedSecret(host, port, r.Method, string(result.Reason))
		p.log.WithFields(logrus.Fields{
			"domain":  host,
			"reason":  result.Reason,
			"excerpt": result.RedactedExcerpt,
		}).Warn("Outbound request blocked by secret scanner")
		proxyRequests.WithLabelValues(string(types.DecisionBlockedSecret)).Inc()
		http.Error(w, "request blocked: sensitive content detected", http.StatusForbidden)
		return
	}

	// Only the scanned prefix is buffered; anything past the cap streams
	// from r.Body straight to the upstream.
	var upstreamBody io.Reader
	if len(body) > 0 || r.ContentLength != 0 {
		upstreamBody = io.MultiReader(bytes.NewReader(body), r.Body)
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), upstreamBody)
	if err != nil {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	outReq.ContentLength = r.ContentLength
	outReq.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		proxyRequests.WithLabelValues("error").Inc()
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).Debug("Response copy ended early")
	}
	proxyRequests.WithLabelValues("forward").Inc()
}

// scanOutbound runs the secret scanner over the request URL, then the body.
func (p *Proxy) scanOutbound(url string, body []byte) scanner.ScanResult {
	if result := p.scanner.Scan([]byte(url)); result.Matched {
		return result
	}
	if len(body) > 0 {
		return p.scanner.Scan(body)
	}
	return scanner.ScanResult{}
}

// splitTarget parses a host[:port] CONNECT target, applying defaultPort
// when the port is absent.
func splitTarget(target string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port in the target.
		if target == "" {
			return "", 0, fmt.Errorf("empty CONNECT target")
		}
		return target, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
