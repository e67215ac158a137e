// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

// LogConfig selects level and output format for every named logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Color  bool   `yaml:"color"`
}

// InitLoggerRedirect points all loggers at the named destination. "stderr" (or
// empty) keeps the default, "syslog" uses the local syslog daemon, anything else
// is treated as a file path and also receives the process stdout/stderr.
func InitLoggerRedirect(logFileName string) error {
	mu.Lock()
	defer mu.Unlock()

	switch logFileName {
	case "", "stderr", "/dev/stderr":
		logWriter = os.Stderr
		return nil
	case "syslog":
		w, err := initSyslog()
		if err != nil {
			return fmt.Errorf("open syslog: %w", err)
		}
		logWriter = w
		return nil
	}

	lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %v: %w", logFileName, err)
	}
	if err := redirectStdout(lf); err != nil {
		return fmt.Errorf("redirect stdout to %v: %w", logFileName, err)
	}
	if err := redirectStderr(lf); err != nil {
		return fmt.Errorf("redirect stderr to %v: %w", logFileName, err)
	}
	logWriter = lf
	return nil
}

// SetLoggersConfig rebuilds every registered logger with config.
func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		nl := NewLogger(config, l.name, logWriter)
		*l.Logger = *nl.Logger
	}
}

// SetLevel changes the level of every registered logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		l.SetLevel(level)
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Name() string {
	return l.name
}

func (l *LogHandle) Infof(msg string, args ...any) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...any) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...any) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...any) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) IsLevelEnabled(level zerolog.Level) bool {
	return l.GetLevel() <= level
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	*l.Logger = l.Level(level)
}

// E logs err when it is non-nil and reports whether it did.
//
//	if log.E(err) {
//	    return err
//	}
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

// GetLogger returns the logger registered under name, creating it with
// DefaultLogConfig on first use.
func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, logWriter)
		loggers[name] = logger
	}

	return logger
}

func formatCaller(i any, module string) string {
	c, _ := i.(string)
	if c == "" {
		return module
	}
	parts := strings.Split(c, "/")
	if len(parts) == 1 {
		return module + " " + parts[0]
	}
	return module + " " + parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func NewLogger(config *LogConfig, module string, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
			NoColor:    !config.Color,
		}
		output.FormatCaller = func(i any) string {
			return formatCaller(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}

// Loggers lists registered logger names with their levels, sorted by name.
func Loggers() []string {
	mu.Lock()
	defer mu.Unlock()

	out := make([]string, 0, len(loggers))
	for k, l := range loggers {
		out = append(out, fmt.Sprintf("%v=%v", k, l.GetLevel().String()))
	}
	sort.Strings(out)
	return out
}
