package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("PULSEPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("PULSEPIPE_TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("PULSEPIPE_TEST_DURATION", "45s")
	if got := ParseDurationEnv("PULSEPIPE_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
	t.Setenv("PULSEPIPE_TEST_DURATION", "soon")
	if got := ParseDurationEnv("PULSEPIPE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default 1m", got)
	}
}
