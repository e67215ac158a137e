package intercept

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/valandreev/offlinenav/log"
)

func TestLogHandleAdapterReportsCallerLine(t *testing.T) {
	var buf bytes.Buffer
	adapter := logHandleAdapter{handle: log.NewLogger(&log.LogConfig{Level: "debug", Format: "json"}, "cache-intercept", &buf)}

	adapter.Warnf("refresh %s failed", "tile")

	var line struct {
		Caller  string `json:"caller"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if !strings.Contains(line.Caller, "logger_test.go") {
		t.Fatalf("expected caller in logger_test.go, got %q", line.Caller)
	}
	if line.Message != "refresh tile failed" {
		t.Fatalf("unexpected message %q", line.Message)
	}
}
