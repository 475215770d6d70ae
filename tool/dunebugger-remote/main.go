// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command dunebugger-remote runs the device-side remote supervisor.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/config"
	"github.com/dunebugger/dunebugger-remote/lib/logutils"
	"github.com/dunebugger/dunebugger-remote/lib/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dunebugger-remote",
		Short:         "Remote supervisor for dunebugger devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile, secretsDir string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadParams{
				ConfigFile: configFile,
				SecretsDir: secretsDir,
			})
			if err != nil {
				return trace.Wrap(err)
			}
			level, err := logutils.ParseLevel(cfg.Log.Level)
			if err != nil {
				return trace.Wrap(err)
			}
			logutils.Init(level)

			process, err := service.New(cfg)
			if err != nil {
				return trace.Wrap(err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return trace.Wrap(process.Run(ctx))
		},
	}
	start.Flags().StringVarP(&configFile, "config", "c",
		"/opt/dunebugger/dunebugger.yaml", "configuration file path")
	start.Flags().StringVar(&secretsDir, "secrets-dir", "",
		"directory holding one file per secret value")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the supervisor version",
		Run: func(cmd *cobra.Command, _ []string) {
			if dunebugger.Gitref != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "dunebugger-remote v%s git:%s\n",
					dunebugger.Version, dunebugger.Gitref)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dunebugger-remote v%s\n", dunebugger.Version)
		},
	}

	root.AddCommand(start, version)
	return root
}
