// Package config provides configuration loading from environment variables
// with defaults for all sentinel components.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// MonitorConfig holds configuration for the security monitor watchers.
type MonitorConfig struct {
	StatsInterval   time.Duration
	ProcessInterval time.Duration
	NetworkInterval time.Duration
	HealthInterval  time.Duration

	CPUThreshold    float64
	CPUSustain      time.Duration
	MemoryThreshold float64
	MemoryCooldown  time.Duration

	// Consecutive poll failures before a channel is reported degraded.
	DegradeAfter int
}

// ProxyConfig holds configuration for the egress proxy and policy engine.
type ProxyConfig struct {
	ListenAddr      string
	ApprovalTimeout time.Duration
	DialTimeout     time.Duration
	TunnelIdle      time.Duration
	PolicyPath      string
	AuditLogPath    string
}

// ServerConfig holds configuration for the presentation API server.
type ServerConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// AlertsConfig holds configuration for the alert dispatcher.
type AlertsConfig struct {
	LogPath         string
	NotifierURL     string
	NotifierTimeout time.Duration
}

// BackendConfig identifies the supervised workload for the local runtime
// backend.
type BackendConfig struct {
	WorkloadPID int
	CgroupDir   string
	LogPath     string
}

// Config is the assembled configuration for one sentinel process.
type Config struct {
	DataDir string
	Backend BackendConfig
	Monitor MonitorConfig
	Proxy   ProxyConfig
	Server  ServerConfig
	Alerts  AlertsConfig
}

// Default returns the full configuration from environment with defaults.
func Default() Config {
	dataDir := GetEnv("SENTINEL_DATA_DIR", defaultDataDir())
	return Config{
		DataDir: dataDir,
		Backend: BackendConfig{
			WorkloadPID: GetEnvInt("WORKLOAD_PID", 0),
			CgroupDir:   GetEnv("WORKLOAD_CGROUP_DIR", "/sys/fs/cgroup/sandbox"),
			LogPath:     GetEnv("WORKLOAD_LOG_PATH", filepath.Join(dataDir, "workload.log")),
		},
		Monitor: MonitorConfig{
			StatsInterval:   GetEnvDuration("STATS_INTERVAL", 2*time.Second),
			ProcessInterval: GetEnvDuration("PROCESS_INTERVAL", 15*time.Second),
			NetworkInterval: GetEnvDuration("NETWORK_INTERVAL", 30*time.Second),
			HealthInterval:  GetEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			CPUThreshold:    GetEnvFloat("CPU_THRESHOLD", 80.0),
			CPUSustain:      GetEnvDuration("CPU_SUSTAIN", 30*time.Second),
			MemoryThreshold: GetEnvFloat("MEMORY_THRESHOLD", 85.0),
			MemoryCooldown:  GetEnvDuration("MEMORY_COOLDOWN", 60*time.Second),
			DegradeAfter:    3,
		},
		Proxy: ProxyConfig{
			ListenAddr:      GetEnv("PROXY_ADDR", "127.0.0.1:9877"),
			ApprovalTimeout: GetEnvDuration("APPROVAL_TIMEOUT", 60*time.Second),
			DialTimeout:     GetEnvDuration("PROXY_DIAL_TIMEOUT", 10*time.Second),
			TunnelIdle:      GetEnvDuration("PROXY_TUNNEL_IDLE", 60*time.Second),
			PolicyPath:      GetEnv("POLICY_PATH", filepath.Join(dataDir, "egress-allowlist")),
			AuditLogPath:    GetEnv("AUDIT_LOG_PATH", filepath.Join(dataDir, "audit.log")),
		},
		Server: ServerConfig{
			HTTPAddr:        GetEnv("HTTP_ADDR", ":9876"),
			ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Alerts: AlertsConfig{
			LogPath:         GetEnv("ALERT_LOG_PATH", filepath.Join(dataDir, "alerts.log")),
			NotifierURL:     GetEnv("NOTIFIER_URL", ""),
			NotifierTimeout: GetEnvDuration("NOTIFIER_TIMEOUT", 10*time.Second),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}
