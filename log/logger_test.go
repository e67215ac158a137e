package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerJSONIncludesModule(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "debug", Format: "json"}, "cache-intercept", &buf)

	l.Debugf("served %s", "/index.html")

	out := buf.String()
	if !strings.Contains(out, `"module":"cache-intercept"`) {
		t.Fatalf("expected module field, got %s", out)
	}
	if !strings.Contains(out, "served /index.html") {
		t.Fatalf("expected message, got %s", out)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "loud", Format: "json"}, "test", &buf)

	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %v", l.GetLevel())
	}
	l.Debugf("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be filtered, got %s", buf.String())
	}
}

func TestGetLoggerReturnsSameHandle(t *testing.T) {
	a := GetLogger("shared-name")
	b := GetLogger("shared-name")
	if a != b {
		t.Fatalf("expected identical handles")
	}
	if a.Name() != "shared-name" {
		t.Fatalf("unexpected name %q", a.Name())
	}
}

func TestEReportsErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "info", Format: "json"}, "test", &buf)

	if l.E(nil) {
		t.Fatalf("nil error must not be reported")
	}
	if !l.E(errTest) {
		t.Fatalf("expected error to be reported")
	}
	if !strings.Contains(buf.String(), errTest.Error()) {
		t.Fatalf("expected error text in output, got %s", buf.String())
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
