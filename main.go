// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/valandreev/offlinenav/core"
	"github.com/valandreev/offlinenav/core/cfg"
	"github.com/valandreev/offlinenav/log"
	"github.com/valandreev/offlinenav/pkg/cache"
)

var mainLog = log.GetLogger("main")

func registerSIGINTHandler(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		s := <-signalChan
		mainLog.Info().Str("signal", fmt.Sprintf("%v", s)).Msg("Received signal, shutting down...")
		cancel()

		s = <-signalChan
		mainLog.Warn().Str("signal", fmt.Sprintf("%v", s)).Msg("Received second signal, exiting")
		os.Exit(1)
	}()
}

// withApp loads config, initialises loggers and runs fn against a wired app.
func withApp(c *cli.Context, fn func(ctx context.Context, app *core.App, flags *cfg.FlagStorage) error) error {
	flags := cfg.PopulateFlags(c)
	if err := cfg.InitLoggers(flags); err != nil {
		return fmt.Errorf("init loggers: %w", err)
	}

	conf, err := cache.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(cancel)

	app, err := core.NewApp(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		mainLog.E(app.Close(closeCtx))
	}()

	return fn(ctx, app, flags)
}

func main() {
	app := cfg.NewApp()

	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "Run the caching proxy and position API",
			Action: func(c *cli.Context) error {
				return withApp(c, func(ctx context.Context, app *core.App, flags *cfg.FlagStorage) error {
					mainLog.Info().Str("version", cfg.Version).Str("config", flags.ConfigPath).Msg("Starting offlinenav")
					err := app.Serve(ctx, flags.ConfigPath)
					if err == nil {
						mainLog.Info().Msg("Successfully exiting.")
					}
					return err
				})
			},
		},
		{
			Name:  "install",
			Usage: "Fetch the configured shell generation without activating it",
			Action: func(c *cli.Context) error {
				return withApp(c, func(ctx context.Context, app *core.App, _ *cfg.FlagStorage) error {
					if err := app.Install(ctx); err != nil {
						return err
					}
					mainLog.Info().Msg("Shell generation installed")
					return nil
				})
			},
		},
		{
			Name:  "activate",
			Usage: "Make the installed shell generation live and sweep stale ones",
			Action: func(c *cli.Context) error {
				return withApp(c, func(ctx context.Context, app *core.App, _ *cfg.FlagStorage) error {
					if err := app.Activate(ctx); err != nil {
						return err
					}
					mainLog.Info().Msg("Shell generation activated")
					return nil
				})
			},
		},
		{
			Name:  "generations",
			Usage: "List stored shell generations",
			Action: func(c *cli.Context) error {
				return withApp(c, func(ctx context.Context, app *core.App, _ *cfg.FlagStorage) error {
					gens, err := app.Generations(ctx)
					if err != nil {
						return err
					}
					for _, g := range gens {
						fmt.Println(g)
					}
					return nil
				})
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		mainLog.Error().Err(err).Msg("offlinenav failed")
		os.Exit(1)
	}
}
