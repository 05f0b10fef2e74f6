package helpers

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerTo(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
	}{
		{name: "debug level", level: "debug", wantDebug: true},
		{name: "info level", level: "info", wantDebug: false},
		{name: "invalid level falls back to info", level: "chatty", wantDebug: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerTo(&buf, "joerpyter", tt.level)
			if logger == nil {
				t.Fatal("expected logger, got nil")
			}

			logger.Debug("debug message")
			logger.Info("info message", "key", "value")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			wantLines := 1
			if tt.wantDebug {
				wantLines = 2
			}
			if len(lines) != wantLines {
				t.Fatalf("expected %d log lines, got %d: %s", wantLines, len(lines), buf.String())
			}

			var entry map[string]any
			if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
				t.Fatalf("log line is not valid JSON: %v", err)
			}
			if entry["service"] != "joerpyter" {
				t.Errorf("service = %v, want joerpyter", entry["service"])
			}
			if entry["key"] != "value" {
				t.Errorf("key = %v, want value", entry["key"])
			}
		})
	}
}
