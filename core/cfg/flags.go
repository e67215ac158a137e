// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2021 Yandex LLC
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

package cfg

import (
	"github.com/urfave/cli"

	"github.com/valandreev/offlinenav/pkg/cache"
)

// Version is overridden at build time with -ldflags "-X .../core/cfg.Version=...".
var Version = "dev"

// FlagStorage holds the global command line flags.
type FlagStorage struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool
}

// NewApp builds the CLI skeleton. Commands and actions are attached by main.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "offlinenav"
	app.Usage = "Offline shell and map tile cache with position tracking"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  cache.DefaultConfigPath(),
			Usage:  "Path to the YAML config. A template is written when missing.",
			EnvVar: "OFFLINENAV_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "Log level: trace, debug, info, warn, error.",
			EnvVar: "OFFLINENAV_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: console or json. Defaults to console on a terminal.",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Redirect logs to a file, \"stderr\" or \"syslog\".",
		},
		cli.BoolFlag{
			Name:  "no-log-color",
			Usage: "Disable colored console logs.",
		},
	}
	return app
}

// PopulateFlags reads the global flags from c.
func PopulateFlags(c *cli.Context) *FlagStorage {
	return &FlagStorage{
		ConfigPath: c.GlobalString("config"),
		LogLevel:   c.GlobalString("log-level"),
		LogFormat:  c.GlobalString("log-format"),
		LogFile:    c.GlobalString("log-file"),
		NoLogColor: c.GlobalBool("no-log-color"),
	}
}
