package core

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	const key = "KW_TEST_GET_ENV"

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"returns env value when set", "custom", "custom"},
		{"returns default when empty", "", "default"},
		{"returns default when only whitespace", "   ", "default"},
		{"trims surrounding whitespace", "  padded \n", "padded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := GetEnvOrDefault(key, "default"); got != tt.want {
				t.Errorf("GetEnvOrDefault() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseNumericEnv(t *testing.T) {
	const key = "KW_TEST_NUMERIC_ENV"

	t.Run("int", func(t *testing.T) {
		t.Setenv(key, "42")
		if got := ParseIntEnv(key, 7); got != 42 {
			t.Errorf("ParseIntEnv() = %d, want 42", got)
		}
		t.Setenv(key, "forty-two")
		if got := ParseIntEnv(key, 7); got != 7 {
			t.Errorf("ParseIntEnv(invalid) = %d, want default 7", got)
		}
	})

	t.Run("int64", func(t *testing.T) {
		t.Setenv(key, "52428800")
		if got := ParseInt64Env(key, 1); got != 52428800 {
			t.Errorf("ParseInt64Env() = %d, want 52428800", got)
		}
	})

	t.Run("float64", func(t *testing.T) {
		t.Setenv(key, "3.5")
		if got := ParseFloat64Env(key, 1.0); got != 3.5 {
			t.Errorf("ParseFloat64Env() = %v, want 3.5", got)
		}
		t.Setenv(key, "")
		if got := ParseFloat64Env(key, 1.25); got != 1.25 {
			t.Errorf("ParseFloat64Env(unset) = %v, want 1.25", got)
		}
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv(key, "30")
		if got := ParseDurationEnv(key, 60); got != 30*time.Second {
			t.Errorf("ParseDurationEnv() = %v, want 30s", got)
		}
	})
}

func TestParseBoolEnv(t *testing.T) {
	const key = "KW_TEST_BOOL_ENV"

	tests := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"on", false, true},
		{"false", true, false},
		{"off", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := ParseBoolEnv(key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
