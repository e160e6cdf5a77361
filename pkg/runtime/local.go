package runtime

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalBackend implements Backend for a workload running as a local process
// group, observed through /proc and cgroup v2. It is the development and test
// backend; container runtimes plug in behind the same interface.
type LocalBackend struct {
	log *logrus.Logger

	// Root PID of the workload; its process group receives freeze/stop signals.
	pid int

	// cgroup v2 directory for resource stats (cpu.stat, memory.current, ...).
	cgroupDir string

	// Log file the workload writes to; StreamLogs tails it.
	logPath string

	mu        sync.Mutex
	frozen    bool
	events    []chan Event
	lastCPU   uint64
	lastCPUAt time.Time
}

// NewLocalBackend returns a LocalBackend observing the process group of pid.
func NewLocalBackend(pid int, cgroupDir, logPath string, log *logrus.Logger) *LocalBackend {
	return &LocalBackend{log: log, pid: pid, cgroupDir: cgroupDir, logPath: logPath}
}

// GetStats reads CPU and memory usage from the workload cgroup.
func (b *LocalBackend) GetStats(ctx context.Context) (*Stats, error) {
	usage, limit, err := b.readMemory()
	if err != nil {
		return nil, err
	}
	cpu, err := b.readCPUPercent()
	if err != nil {
		return nil, err
	}
	pids := b.readPIDCount()

	s := &Stats{
		CPUPercent:  cpu,
		MemoryUsage: usage,
		MemoryLimit: limit,
		PIDs:        pids,
		Timestamp:   time.Now(),
	}
	if limit > 0 {
		s.MemoryPercent = float64(usage) / float64(limit) * 100
	}
	return s, nil
}

func (b *LocalBackend) readMemory() (usage, limit int64, err error) {
	cur, err := os.ReadFile(filepath.Join(b.cgroupDir, "memory.current"))
	if err != nil {
		return 0, 0, fmt.Errorf("read memory.current: %w", err)
	}
	usage, _ = strconv.ParseInt(strings.TrimSpace(string(cur)), 10, 64)

	max, err := os.ReadFile(filepath.Join(b.cgroupDir, "memory.max"))
	if err == nil {
		if s := strings.TrimSpace(string(max)); s != "max" {
			limit, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	return usage, limit, nil
}

// readCPUPercent derives a usage percentage from successive cpu.stat reads.
// The first call after start reports zero.
func (b *LocalBackend) readCPUPercent() (float64, error) {
	data, err := os.ReadFile(filepath.Join(b.cgroupDir, "cpu.stat"))
	if err != nil {
		return 0, fmt.Errorf("read cpu.stat: %w", err)
	}
	var usageUsec uint64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "usage_usec ") {
			usageUsec, _ = strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "usage_usec ")), 10, 64)
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var pct float64
	if !b.lastCPUAt.IsZero() && usageUsec >= b.lastCPU {
		elapsed := now.Sub(b.lastCPUAt).Microseconds()
		if elapsed > 0 {
			pct = float64(usageUsec-b.lastCPU) / float64(elapsed) * 100
		}
	}
	b.lastCPU = usageUsec
	b.lastCPUAt = now
	return pct, nil
}

func (b *LocalBackend) readPIDCount() int {
	data, err := os.ReadFile(filepath.Join(b.cgroupDir, "pids.current"))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// ListProcesses scans /proc for processes in the workload's process group.
func (b *LocalBackend) ListProcesses(ctx context.Context) ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var procs []Process
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			continue // process may have exited
		}
		name, ppid, pgrp := parseStat(string(stat))
		if pgrp != b.pid && pid != b.pid {
			continue
		}
		cmdline, _ := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		procs = append(procs, Process{
			PID:     pid,
			PPID:    ppid,
			Name:    name,
			Cmdline: strings.TrimRight(strings.ReplaceAll(string(cmdline), "\x00", " "), " "),
		})
	}
	return procs, nil
}

// parseStat extracts the comm name, ppid, and pgrp from /proc/[pid]/stat.
// Format: pid (comm) state ppid pgrp ...
func parseStat(stat string) (name string, ppid, pgrp int) {
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end == -1 || end+2 > len(stat) {
		return "", 0, 0
	}
	name = stat[start+1 : end]
	fields := strings.Fields(stat[end+2:])
	if len(fields) >= 3 {
		ppid, _ = strconv.Atoi(fields[1])
		pgrp, _ = strconv.Atoi(fields[2])
	}
	return name, ppid, pgrp
}

// ListConnections parses /proc/net/tcp and /proc/net/tcp6.
func (b *LocalBackend) ListConnections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	for _, src := range []struct{ path, proto string }{
		{"/proc/net/tcp", "tcp"},
		{"/proc/net/tcp6", "tcp6"},
	} {
		parsed, err := parseNetFile(src.path, src.proto)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		conns = append(conns, parsed...)
	}
	return conns, nil
}

func parseNetFile(path, protocol string) ([]Connection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var conns []Connection
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		conn, err := parseNetLine(scanner.Text(), protocol)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, scanner.Err()
}

func parseNetLine(line, protocol string) (Connection, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Connection{}, fmt.Errorf("invalid line format")
	}
	localIP, localPort, err := parseHexAddress(fields[1])
	if err != nil {
		return Connection{}, err
	}
	remoteIP, remotePort, err := parseHexAddress(fields[2])
	if err != nil {
		return Connection{}, err
	}
	return Connection{
		Protocol:   protocol,
		LocalAddr:  localIP.String(),
		LocalPort:  localPort,
		RemoteAddr: remoteIP.String(),
		RemotePort: remotePort,
		State:      tcpState(fields[3]),
	}, nil
}

// parseHexAddress parses a kernel hex address like "0100007F:0050".
func parseHexAddress(s string) (net.IP, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("invalid address format")
	}

	ipHex := parts[0]
	var ip net.IP
	switch len(ipHex) {
	case 8:
		ipBytes, err := hex.DecodeString(ipHex)
		if err != nil {
			return nil, 0, err
		}
		// Little-endian byte order.
		ip = net.IPv4(ipBytes[3], ipBytes[2], ipBytes[1], ipBytes[0])
	case 32:
		ipBytes, err := hex.DecodeString(ipHex)
		if err != nil {
			return nil, 0, err
		}
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			start := i * 4
			binary.LittleEndian.PutUint32(ip[start:start+4], binary.BigEndian.Uint32(ipBytes[start:start+4]))
		}
	default:
		return nil, 0, fmt.Errorf("invalid address length %d", len(ipHex))
	}

	port, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return nil, 0, err
	}
	return ip, int(port), nil
}

func tcpState(s string) string {
	states := map[string]string{
		"01": "ESTABLISHED", "02": "SYN_SENT", "03": "SYN_RECV",
		"04": "FIN_WAIT1", "05": "FIN_WAIT2", "06": "TIME_WAIT",
		"07": "CLOSE", "08": "CLOSE_WAIT", "09": "LAST_ACK",
		"0A": "LISTEN", "0B": "CLOSING",
	}
	if state, ok := states[strings.ToUpper(s)]; ok {
		return state
	}
	return "UNKNOWN"
}

// StreamLogs tails the workload log file, yielding one line per receive.
// The channel closes when the context is cancelled.
func (b *LocalBackend) StreamLogs(ctx context.Context) (<-chan string, error) {
	file, err := os.Open(b.logPath)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}

	out := make(chan string, 256)
	go func() {
		defer close(out)
		defer file.Close()
		reader := bufio.NewReader(file)
		var pending strings.Builder
		for {
			chunk, err := reader.ReadString('\n')
			pending.WriteString(chunk)
			if err != nil {
				// At EOF, wait for the writer to append more.
				select {
				case <-ctx.Done():
					return
				case <-time.After(250 * time.Millisecond):
					continue
				}
			}
			line := strings.TrimRight(pending.String(), "\n")
			pending.Reset()
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// HealthStatus reports whether the root process is alive and schedulable.
func (b *LocalBackend) HealthStatus(ctx context.Context) (Health, error) {
	if err := syscall.Kill(b.pid, 0); err != nil {
		return HealthUnhealthy, nil
	}
	b.mu.Lock()
	frozen := b.frozen
	b.mu.Unlock()
	if frozen {
		return HealthUnknown, nil
	}
	return HealthHealthy, nil
}

// StreamEvents returns a channel fed by lifecycle transitions the backend
// itself performs (freeze, unfreeze, stop) plus workload death detection.
func (b *LocalBackend) StreamEvents(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.events = append(b.events, ch)
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.removeEventChannel(ch)
				close(ch)
				return
			case <-ticker.C:
				if err := syscall.Kill(b.pid, 0); err != nil {
					b.publish(Event{Action: "die", Timestamp: time.Now()})
					b.removeEventChannel(ch)
					close(ch)
					return
				}
			}
		}
	}()
	return ch, nil
}

func (b *LocalBackend) removeEventChannel(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.events {
		if c == ch {
			b.events = append(b.events[:i], b.events[i+1:]...)
			return
		}
	}
}

func (b *LocalBackend) publish(ev Event) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.events...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("Event subscriber full, dropping lifecycle event")
		}
	}
}

// Freeze stops the workload process group with SIGSTOP; memory is preserved.
func (b *LocalBackend) Freeze(ctx context.Context) error {
	if err := syscall.Kill(-b.pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("freeze pgid %d: %w", b.pid, err)
	}
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
	b.publish(Event{Action: "pause", Timestamp: time.Now()})
	return nil
}

// Unfreeze resumes a frozen workload with SIGCONT.
func (b *LocalBackend) Unfreeze(ctx context.Context) error {
	if err := syscall.Kill(-b.pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("unfreeze pgid %d: %w", b.pid, err)
	}
	b.mu.Lock()
	b.frozen = false
	b.mu.Unlock()
	b.publish(Event{Action: "unpause", Timestamp: time.Now()})
	return nil
}

// Stop terminates the workload process group.
func (b *LocalBackend) Stop(ctx context.Context) error {
	if err := syscall.Kill(-b.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop pgid %d: %w", b.pid, err)
	}
	b.publish(Event{Action: "kill", Timestamp: time.Now()})
	return nil
}
