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

// Package command builds the argument vector for a workflow engine
// invocation. It is a pure function of its inputs: no I/O, no clock, no
// globals, which keeps the merge semantics unit-testable in isolation.
package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowd-io/flowd/pkg/errors"
)

// Type is a supported workflow type. The set is closed: two external
// interpreter variants and one native runner.
type Type string

const (
	// TypeCWL runs Common Workflow Language documents through an external
	// CWL interpreter.
	TypeCWL Type = "cwl"
	// TypeWDL runs Workflow Description Language documents through an
	// external WDL interpreter.
	TypeWDL Type = "wdl"
	// TypePy runs native Python workflow programs directly.
	TypePy Type = "py"
)

// ParseType normalizes and validates a workflow type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeCWL, TypeWDL, TypePy:
		return t, nil
	default:
		return "", &errors.ValidationError{
			Field:   "workflow_type",
			Message: fmt.Sprintf("unsupported type %q (supported: cwl, wdl, py)", s),
		}
	}
}

// Spec is the input to Build.
type Spec struct {
	// Type selects the engine invocation shape.
	Type Type

	// Runner is the engine binary for this type.
	Runner string

	// WorkflowPath is the resolved workflow document path or URL.
	WorkflowPath string

	// ParamsPath is the serialized parameter document path.
	ParamsPath string

	// OutputDir is where the engine must deposit outputs. For interpreter
	// types it is forced onto the command line, superseding any
	// caller-supplied --outdir.
	OutputDir string

	// Defaults are server-wide engine parameters, applied first in their
	// configured order. Entries are "--key=value" or bare "--flag".
	Defaults []string

	// Overrides are per-run engine parameters, applied after defaults.
	// An empty value means a bare flag.
	Overrides map[string]string

	// Repeatable marks parameter keys that may occur multiple times; for
	// these, default and override occurrences are all preserved.
	Repeatable map[string]bool
}

// option is one parsed engine parameter.
type option struct {
	key string
	raw string
}

// Build produces the ordered argument vector for the engine invocation.
//
// Merge rule: defaults first, in order; overrides appended after, in
// deterministic (sorted-key) order. For a non-repeatable key a later
// occurrence supersedes every earlier one; for a repeatable key all
// occurrences survive.
func Build(spec Spec) ([]string, error) {
	if spec.Runner == "" {
		return nil, fmt.Errorf("command: no runner configured for type %q", spec.Type)
	}
	if spec.WorkflowPath == "" {
		return nil, fmt.Errorf("command: workflow path is required")
	}

	opts := make([]option, 0, len(spec.Defaults)+len(spec.Overrides))
	for _, raw := range spec.Defaults {
		opts = append(opts, parseOption(raw))
	}

	overrideKeys := make([]string, 0, len(spec.Overrides))
	for k := range spec.Overrides {
		overrideKeys = append(overrideKeys, k)
	}
	sort.Strings(overrideKeys)

	for _, key := range overrideKeys {
		value := spec.Overrides[key]
		raw := key
		if value != "" {
			raw = key + "=" + value
		}
		next := parseOption(raw)
		if !spec.Repeatable[next.key] {
			opts = removeKey(opts, next.key)
		}
		opts = append(opts, next)
	}

	// The output directory is owned by the run, not the caller.
	if spec.Type == TypeCWL || spec.Type == TypeWDL {
		opts = removeKey(opts, "--outdir")
		opts = removeKey(opts, "-o")
		if spec.OutputDir != "" {
			opts = append(opts, option{key: "--outdir", raw: "--outdir=" + spec.OutputDir})
		}
	}

	args := make([]string, 0, len(opts)+3)
	switch spec.Type {
	case TypeCWL, TypeWDL:
		args = append(args, spec.Runner)
		for _, o := range opts {
			args = append(args, o.raw)
		}
		args = append(args, spec.WorkflowPath)
		if spec.ParamsPath != "" {
			args = append(args, spec.ParamsPath)
		}
	case TypePy:
		args = append(args, spec.Runner, spec.WorkflowPath)
		for _, o := range opts {
			args = append(args, o.raw)
		}
	default:
		return nil, fmt.Errorf("command: unsupported workflow type %q", spec.Type)
	}

	return args, nil
}

// parseOption splits "--key=value" into its key; bare flags keep the whole
// token as the key.
func parseOption(raw string) option {
	if idx := strings.Index(raw, "="); idx >= 0 {
		return option{key: raw[:idx], raw: raw}
	}
	return option{key: raw, raw: raw}
}

// removeKey drops every option whose key matches.
func removeKey(opts []option, key string) []option {
	out := opts[:0]
	for _, o := range opts {
		if o.key != key {
			out = append(out, o)
		}
	}
	return out
}
