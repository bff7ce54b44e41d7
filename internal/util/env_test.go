package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("CF_TEST_BOOL", "yes")
	if !ParseBoolEnv("CF_TEST_BOOL", false) {
		t.Error("yes should parse true")
	}
	t.Setenv("CF_TEST_BOOL", "off")
	if ParseBoolEnv("CF_TEST_BOOL", true) {
		t.Error("off should parse false")
	}
	t.Setenv("CF_TEST_BOOL", "maybe")
	if !ParseBoolEnv("CF_TEST_BOOL", true) {
		t.Error("invalid value should return default")
	}
	if ParseBoolEnv("CF_TEST_BOOL_UNSET", false) {
		t.Error("unset should return default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CF_TEST_INT", "42")
	if got := ParseIntEnv("CF_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("CF_TEST_INT", "not a number")
	if got := ParseIntEnv("CF_TEST_INT", 7); got != 7 {
		t.Errorf("invalid value: got %d, want default 7", got)
	}
	if got := ParseIntEnv("CF_TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("unset: got %d, want default 7", got)
	}
}

func TestParseIntQuery(t *testing.T) {
	if got := ParseIntQuery("25", 100); got != 25 {
		t.Errorf("got %d, want 25", got)
	}
	if got := ParseIntQuery("", 100); got != 100 {
		t.Errorf("empty: got %d, want 100", got)
	}
	if got := ParseIntQuery("-5", 100); got != 100 {
		t.Errorf("negative: got %d, want 100", got)
	}
	if got := ParseIntQuery("abc", 100); got != 100 {
		t.Errorf("invalid: got %d, want 100", got)
	}
}

func TestGenerateIDPrefixes(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{GenerateEnrollmentID(), "enr_"},
		{GenerateLogEntryID(), "log_"},
		{GenerateEntityID(), "ent_"},
	}
	for _, tt := range tests {
		if len(tt.id) <= len(tt.prefix) || tt.id[:len(tt.prefix)] != tt.prefix {
			t.Errorf("id %q missing prefix %q", tt.id, tt.prefix)
		}
	}
	if GenerateLogEntryID() == GenerateLogEntryID() {
		t.Error("consecutive IDs should differ")
	}
}
