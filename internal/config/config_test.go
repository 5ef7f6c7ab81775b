package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.PollingInterval != 30*time.Second {
		t.Errorf("PollingInterval = %v, expected 30s", cfg.PollingInterval)
	}
	if cfg.MaxDistToStop != 300 {
		t.Errorf("MaxDistToStop = %v, expected 300", cfg.MaxDistToStop)
	}
	if cfg.TimeTolerance != 60*time.Second {
		t.Errorf("TimeTolerance = %v, expected 60s", cfg.TimeTolerance)
	}
	if cfg.TranzyURL == "" {
		t.Error("TranzyURL should have a default")
	}
}

func TestPollingIntervalClamped(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"5", 10 * time.Second},   // below minimum
		{"45", 45 * time.Second},  // in range
		{"120", 90 * time.Second}, // above maximum
	}

	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("POLLING_INTERVAL", tc.value)
			cfg := Load()
			if cfg.PollingInterval != tc.expected {
				t.Errorf("PollingInterval = %v, expected %v", cfg.PollingInterval, tc.expected)
			}
		})
	}
}

func TestDurationClamped(t *testing.T) {
	t.Setenv("MONITORING_DURATION", "500")
	cfg := Load()
	if cfg.DefaultDuration != 95*time.Minute {
		t.Errorf("DefaultDuration = %v, expected 95m", cfg.DefaultDuration)
	}
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("MAX_DIST_TO_STOP", "not-a-number")
	cfg := Load()
	if cfg.MaxDistToStop != 300 {
		t.Errorf("MaxDistToStop = %v, expected default 300", cfg.MaxDistToStop)
	}
}
