package logger

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"bogus", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{" error ", LevelError},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelThreshold(t *testing.T) {
	l := New()
	l.SetLevel(LevelWarn)

	if l.enabled(LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !l.enabled(LevelWarn) || !l.enabled(LevelError) {
		t.Error("warn and error should be enabled at warn level")
	}
}
