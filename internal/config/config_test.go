package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("SENTINEL_TEST_GETENV_UNSET")
		got := GetEnv("SENTINEL_TEST_GETENV_UNSET", "default")
		if got != "default" {
			t.Errorf("GetEnv(unset) = %q, want %q", got, "default")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_GETENV_SET", "myvalue")
		defer os.Unsetenv("SENTINEL_TEST_GETENV_SET")
		got := GetEnv("SENTINEL_TEST_GETENV_SET", "default")
		if got != "myvalue" {
			t.Errorf("GetEnv(set) = %q, want %q", got, "myvalue")
		}
	})

	t.Run("trims space", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_GETENV_TRIM", "  trimmed  ")
		defer os.Unsetenv("SENTINEL_TEST_GETENV_TRIM")
		got := GetEnv("SENTINEL_TEST_GETENV_TRIM", "default")
		if got != "trimmed" {
			t.Errorf("GetEnv(trim) = %q, want %q", got, "trimmed")
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_DURATION_VALID", "30s")
		defer os.Unsetenv("SENTINEL_TEST_DURATION_VALID")
		got := GetEnvDuration("SENTINEL_TEST_DURATION_VALID", time.Second)
		if got != 30*time.Second {
			t.Errorf("GetEnvDuration(30s) = %v, want 30s", got)
		}
	})

	t.Run("returns default on invalid duration", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_DURATION_INVALID", "not-a-duration")
		defer os.Unsetenv("SENTINEL_TEST_DURATION_INVALID")
		got := GetEnvDuration("SENTINEL_TEST_DURATION_INVALID", 7*time.Second)
		if got != 7*time.Second {
			t.Errorf("GetEnvDuration(invalid) = %v, want 7s", got)
		}
	})
}

func TestGetEnvFloat(t *testing.T) {
	t.Run("parses valid float", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_FLOAT_VALID", "92.5")
		defer os.Unsetenv("SENTINEL_TEST_FLOAT_VALID")
		got := GetEnvFloat("SENTINEL_TEST_FLOAT_VALID", 1.0)
		if got != 92.5 {
			t.Errorf("GetEnvFloat(92.5) = %v, want 92.5", got)
		}
	})

	t.Run("returns default on invalid float", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_FLOAT_INVALID", "eighty")
		defer os.Unsetenv("SENTINEL_TEST_FLOAT_INVALID")
		got := GetEnvFloat("SENTINEL_TEST_FLOAT_INVALID", 80.0)
		if got != 80.0 {
			t.Errorf("GetEnvFloat(invalid) = %v, want 80", got)
		}
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Monitor.StatsInterval != 2*time.Second {
		t.Errorf("StatsInterval = %v, want 2s", cfg.Monitor.StatsInterval)
	}
	if cfg.Monitor.ProcessInterval != 15*time.Second {
		t.Errorf("ProcessInterval = %v, want 15s", cfg.Monitor.ProcessInterval)
	}
	if cfg.Monitor.CPUThreshold != 80.0 {
		t.Errorf("CPUThreshold = %v, want 80", cfg.Monitor.CPUThreshold)
	}
	if cfg.Proxy.ApprovalTimeout != 60*time.Second {
		t.Errorf("ApprovalTimeout = %v, want 60s", cfg.Proxy.ApprovalTimeout)
	}
	if cfg.Proxy.ListenAddr != "127.0.0.1:9877" {
		t.Errorf("ListenAddr = %q", cfg.Proxy.ListenAddr)
	}
	if cfg.Proxy.PolicyPath == "" || cfg.Alerts.LogPath == "" {
		t.Error("derived paths should be set")
	}
}
