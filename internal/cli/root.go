// Copyright 2025 Tom Barlow
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

// Package cli implements the flowd command-line interface.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version information, set from main at build time.
var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c string) {
	if v != "" {
		version = v
	}
	if c != "" {
		commit = c
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	serverURL  string
}

// NewRootCommand creates the root Cobra command for flowd.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "flowd",
		Short: "flowd - workflow run execution service",
		Long: `flowd accepts workflow run submissions, stages their inputs into
per-run execution directories, dispatches workflow engine commands to an
asynchronous worker pool, and tracks each run through its lifecycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case flag spellings by normalizing them to kebab-case.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"Path to config file (default: none)")
	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", "http://127.0.0.1:8080",
		"Base URL of the flowd server")

	cmd.AddCommand(
		newServeCommand(flags),
		newWorkerCommand(flags),
		newSubmitCommand(flags),
		newRunsCommand(flags),
		newVersionCommand(),
	)

	return cmd
}

// newVersionCommand reports build information.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowd %s (%s)\n", version, commit)
		},
	}
}
