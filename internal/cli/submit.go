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
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/internal/client"
)

// newSubmitCommand submits a workflow run.
func newSubmitCommand(flags *rootFlags) *cobra.Command {
	var (
		wfType      string
		typeVersion string
		paramsFile  string
		engineOpts  []string
		tags        []string
		attachments []string
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow-url>",
		Short: "Submit a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(flags.serverURL)
			if err != nil {
				return err
			}

			var params map[string]any
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("reading params file: %w", err)
				}
				if err := json.Unmarshal(data, &params); err != nil {
					return fmt.Errorf("params file is not valid JSON: %w", err)
				}
			}

			engineParams, err := parseKeyValues(engineOpts)
			if err != nil {
				return err
			}
			tagMap, err := parseKeyValues(tags)
			if err != nil {
				return err
			}

			resp, err := c.Submit(cmd.Context(), client.SubmitOptions{
				WorkflowURL:         args[0],
				WorkflowType:        wfType,
				WorkflowTypeVersion: typeVersion,
				Params:              params,
				EngineParameters:    engineParams,
				Tags:                tagMap,
				AttachmentPaths:     attachments,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.RunID)
			return nil
		},
	}

	cmd.Flags().StringVar(&wfType, "type", "", "Workflow type: cwl, wdl, or py")
	cmd.Flags().StringVar(&typeVersion, "type-version", "", "Workflow type version")
	cmd.Flags().StringVar(&paramsFile, "params", "", "JSON file of workflow parameters")
	cmd.Flags().StringArrayVar(&engineOpts, "engine-opt", nil,
		"Engine parameter override, key=value (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Run tag, key=value (repeatable)")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil,
		"Local file to upload as a workflow attachment (repeatable)")
	cmd.MarkFlagRequired("type")

	return cmd
}

// parseKeyValues splits key=value strings into a map. A token without
// "=" becomes a key with an empty value.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
