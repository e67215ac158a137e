//go:build windows

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
	"errors"
	"io"
	"os"

	"golang.org/x/sys/windows"
)

func redirectStdout(target *os.File) error {
	return windows.SetStdHandle(windows.STD_OUTPUT_HANDLE, windows.Handle(target.Fd()))
}

func redirectStderr(target *os.File) error {
	return windows.SetStdHandle(windows.STD_ERROR_HANDLE, windows.Handle(target.Fd()))
}

func initSyslog() (io.Writer, error) {
	return nil, errors.New("syslog is not available on windows")
}
