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

package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/internal/client"
)

// newRunsCommand groups run inspection subcommands.
func newRunsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control workflow runs",
	}
	cmd.AddCommand(
		newRunsListCommand(flags),
		newRunsGetCommand(flags),
		newRunsStatusCommand(flags),
		newRunsCancelCommand(flags),
		newRunsLogsCommand(flags),
	)
	return cmd
}

func newRunsListCommand(flags *rootFlags) *cobra.Command {
	var (
		state    string
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}
			resp, err := c.List(cmd.Context(), state, pageSize)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATE")
			for _, run := range resp.Runs {
				fmt.Fprintf(w, "%s\t%s\n", run.RunID, run.State)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by lifecycle state")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Maximum runs to return")
	return cmd
}

func newRunsGetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show the full run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}
			run, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
}

func newRunsStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.State)
			return nil
		},
	}
}

func newRunsCancelCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request run termination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}
			st, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.RunID, st.State)
			return nil
		},
	}
}

func newRunsLogsCommand(flags *rootFlags) *cobra.Command {
	var stderr bool

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's captured engine output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}
			artifact := "stdout"
			if stderr {
				artifact = "stderr"
			}
			return c.Logs(cmd.Context(), args[0], artifact, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&stderr, "stderr", false, "Print stderr instead of stdout")
	return cmd
}
