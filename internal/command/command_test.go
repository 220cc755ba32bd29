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

package command

import (
	"reflect"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"cwl", TypeCWL, false},
		{"CWL", TypeCWL, false},
		{"  wdl ", TypeWDL, false},
		{"py", TypePy, false},
		{"nextflow", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildArgvShape(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "cwl workflow and params trail options",
			spec: Spec{
				Type:         TypeCWL,
				Runner:       "toil-cwl-runner",
				WorkflowPath: "/runs/abc/execution/wf.cwl",
				ParamsPath:   "/runs/abc/execution/wes_inputs.json",
				OutputDir:    "/runs/abc/outputs",
			},
			want: []string{
				"toil-cwl-runner",
				"--outdir=/runs/abc/outputs",
				"/runs/abc/execution/wf.cwl",
				"/runs/abc/execution/wes_inputs.json",
			},
		},
		{
			name: "py program precedes options",
			spec: Spec{
				Type:         TypePy,
				Runner:       "python3",
				WorkflowPath: "/runs/abc/execution/main.py",
				Overrides:    map[string]string{"--verbose": ""},
			},
			want: []string{"python3", "/runs/abc/execution/main.py", "--verbose"},
		},
		{
			name: "py never gets a forced outdir",
			spec: Spec{
				Type:         TypePy,
				Runner:       "python3",
				WorkflowPath: "main.py",
				OutputDir:    "/runs/abc/outputs",
			},
			want: []string{"python3", "main.py"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.spec)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Build() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildMergeSemantics(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "override supersedes default",
			spec: Spec{
				Type:         TypeWDL,
				Runner:       "toil-wdl-runner",
				WorkflowPath: "wf.wdl",
				Defaults:     []string{"--batchSystem=slurm", "--retryCount=2"},
				Overrides:    map[string]string{"--retryCount": "5"},
			},
			want: []string{
				"toil-wdl-runner",
				"--batchSystem=slurm",
				"--retryCount=5",
				"wf.wdl",
			},
		},
		{
			name: "repeatable key keeps both occurrences",
			spec: Spec{
				Type:         TypeWDL,
				Runner:       "toil-wdl-runner",
				WorkflowPath: "wf.wdl",
				Defaults:     []string{"--import=/shared/lib"},
				Overrides:    map[string]string{"--import": "/home/user/lib"},
				Repeatable:   map[string]bool{"--import": true},
			},
			want: []string{
				"toil-wdl-runner",
				"--import=/shared/lib",
				"--import=/home/user/lib",
				"wf.wdl",
			},
		},
		{
			name: "overrides apply in sorted key order",
			spec: Spec{
				Type:         TypeWDL,
				Runner:       "toil-wdl-runner",
				WorkflowPath: "wf.wdl",
				Overrides: map[string]string{
					"--zeta":  "1",
					"--alpha": "2",
				},
			},
			want: []string{
				"toil-wdl-runner",
				"--alpha=2",
				"--zeta=1",
				"wf.wdl",
			},
		},
		{
			name: "bare flag override",
			spec: Spec{
				Type:         TypeCWL,
				Runner:       "toil-cwl-runner",
				WorkflowPath: "wf.cwl",
				Overrides:    map[string]string{"--no-container": ""},
			},
			want: []string{"toil-cwl-runner", "--no-container", "wf.cwl"},
		},
		{
			name: "caller supplied outdir is superseded",
			spec: Spec{
				Type:         TypeCWL,
				Runner:       "toil-cwl-runner",
				WorkflowPath: "wf.cwl",
				Defaults:     []string{"--outdir=/somewhere/else"},
				Overrides:    map[string]string{"--outdir": "/another/place"},
				OutputDir:    "/runs/abc/outputs",
			},
			want: []string{"toil-cwl-runner", "--outdir=/runs/abc/outputs", "wf.cwl"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.spec)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Build() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildDeterminism(t *testing.T) {
	spec := Spec{
		Type:         TypeCWL,
		Runner:       "toil-cwl-runner",
		WorkflowPath: "wf.cwl",
		Defaults:     []string{"--logLevel=INFO"},
		Overrides: map[string]string{
			"--c": "3", "--a": "1", "--b": "2",
		},
	}

	first, err := Build(spec)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Build(spec)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Build() not deterministic: %v vs %v", first, again)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(Spec{Type: TypeCWL, WorkflowPath: "wf.cwl"}); err == nil {
		t.Error("Build() with no runner should fail")
	}
	if _, err := Build(Spec{Type: TypeCWL, Runner: "toil-cwl-runner"}); err == nil {
		t.Error("Build() with no workflow path should fail")
	}
}
