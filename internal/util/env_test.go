package util

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PULSE_TEST_STRING", "  value  ")
	if got := GetEnv("PULSE_TEST_STRING", "default"); got != "value" {
		t.Errorf("GetEnv() = %q, want value", got)
	}
	t.Setenv("PULSE_TEST_STRING", "   ")
	if got := GetEnv("PULSE_TEST_STRING", "default"); got != "default" {
		t.Errorf("GetEnv() blank = %q, want default", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{"unset uses default", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes mixed case", " YeS ", false, true},
		{"on", "on", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"off", "OFF", true, false},
		{"invalid uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PULSE_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("PULSE_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 50},
		{"valid", "12", 12},
		{"padded", " 7 ", 7},
		{"zero", "0", 50},
		{"negative", "-3", 50},
		{"garbage", "ten", 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PULSE_TEST_INT", tt.value)
			if got := ParseIntEnv("PULSE_TEST_INT", 50); got != tt.want {
				t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", time.Minute},
		{"seconds", "30s", 30 * time.Second},
		{"compound", "1h30m", 90 * time.Minute},
		{"bare number", "30", time.Minute},
		{"negative", "-5s", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PULSE_TEST_DURATION", tt.value)
			if got := ParseDurationEnv("PULSE_TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
