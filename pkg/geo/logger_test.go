package geo

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/offlinenav/log"
)

func TestLogHandleAdapterReportsCallerLine(t *testing.T) {
	var buf bytes.Buffer
	adapter := logHandleAdapter{handle: log.NewLogger(&log.LogConfig{Level: "debug", Format: "json"}, "geo-tracker", &buf)}

	adapter.Infof("tracking %s", "started")

	var line struct {
		Caller  string `json:"caller"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Contains(t, line.Caller, "logger_test.go")
	require.Equal(t, "tracking started", line.Message)
}
