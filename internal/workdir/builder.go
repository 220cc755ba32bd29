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

// Package workdir materializes per-run execution directories.
//
// Each run owns a directory tree under the builder's root:
//
//	<root>/<run_id>/
//	    execution/          staged attachments, workflow, wes_inputs.json
//	    outputs/            artifacts produced by the workflow engine
//	    stdout, stderr      captured engine output (written by the worker)
//
// Build is all-or-nothing: on any failure the partially written run
// directory is removed, so a retry or an inspection never observes a
// half-built tree. The directory is created once, before dispatch, and is
// never mutated by the front end afterwards.
package workdir

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/flowd-io/flowd/pkg/errors"
)

// Well-known names inside a run directory. The worker side and the log
// endpoints rely on these.
const (
	ExecDirName    = "execution"
	OutputsDirName = "outputs"
	ParamsFileName = "wes_inputs.json"
	StdoutFileName = "stdout"
	StderrFileName = "stderr"
)

// Attachment is one uploaded file and its requested destination.
type Attachment struct {
	// Name is the original filename as uploaded.
	Name string

	// Dest is the destination path relative to the execution directory.
	// Empty means the attachment lands at the root under its base name.
	Dest string

	// Reader supplies the attachment content.
	Reader io.Reader
}

// Layout holds the resolved paths for one run directory.
type Layout struct {
	RunDir       string
	ExecDir      string
	OutputsDir   string
	ParamsPath   string
	StdoutPath   string
	StderrPath   string
	WorkflowPath string

	// WorkflowURL is set when the workflow reference is remote; the
	// worker fetches it to WorkflowPath before execution starts.
	WorkflowURL string
}

// Builder creates per-run execution directories under a fixed root.
type Builder struct {
	root string
}

// NewBuilder creates a Builder rooted at dir, creating it if needed.
func NewBuilder(dir string) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workdir: creating root %s: %w", dir, err)
	}
	return &Builder{root: dir}, nil
}

// Root returns the builder's root directory.
func (b *Builder) Root() string {
	return b.root
}

// LayoutFor returns the directory layout for a run without touching disk.
func (b *Builder) LayoutFor(runID string) Layout {
	runDir := filepath.Join(b.root, runID)
	return Layout{
		RunDir:     runDir,
		ExecDir:    filepath.Join(runDir, ExecDirName),
		OutputsDir: filepath.Join(runDir, OutputsDirName),
		ParamsPath: filepath.Join(runDir, ExecDirName, ParamsFileName),
		StdoutPath: filepath.Join(runDir, StdoutFileName),
		StderrPath: filepath.Join(runDir, StderrFileName),
	}
}

// Exists reports whether the run directory exists.
func (b *Builder) Exists(runID string) bool {
	info, err := os.Stat(filepath.Join(b.root, runID))
	return err == nil && info.IsDir()
}

// Remove deletes the run directory tree.
func (b *Builder) Remove(runID string) error {
	return os.RemoveAll(filepath.Join(b.root, runID))
}

// Build creates a fresh run directory, stages every attachment at its
// resolved destination, serializes the parameter document, and resolves
// the workflow reference. On any failure no partial directory is left
// behind.
func (b *Builder) Build(runID, workflowURL string, params map[string]any, attachments []Attachment) (layout Layout, err error) {
	layout = b.LayoutFor(runID)

	if b.Exists(runID) {
		return layout, &errors.ConflictError{RunID: runID, Message: "run directory already exists"}
	}

	// Commit-or-remove: any error past this point tears the tree down.
	defer func() {
		if err != nil {
			os.RemoveAll(layout.RunDir)
		}
	}()

	for _, dir := range []string{layout.ExecDir, layout.OutputsDir} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return layout, fmt.Errorf("workdir: creating %s: %w", dir, err)
		}
	}

	seen := make(map[string]string, len(attachments))
	for _, att := range attachments {
		var dest string
		dest, err = resolveDest(layout.ExecDir, att)
		if err != nil {
			return layout, err
		}
		if prev, dup := seen[dest]; dup {
			err = &errors.AttachmentError{
				Name:    att.Name,
				Message: fmt.Sprintf("destination collides with attachment %q", prev),
			}
			return layout, err
		}
		seen[dest] = att.Name

		if err = writeAttachment(dest, att.Reader); err != nil {
			return layout, err
		}
	}

	layout.WorkflowPath, layout.WorkflowURL, err = resolveWorkflow(layout.ExecDir, workflowURL)
	if err != nil {
		return layout, err
	}

	var doc []byte
	doc, err = json.Marshal(params)
	if err != nil {
		return layout, fmt.Errorf("workdir: serializing parameters: %w", err)
	}
	if err = os.WriteFile(layout.ParamsPath, doc, 0o644); err != nil {
		return layout, fmt.Errorf("workdir: writing %s: %w", ParamsFileName, err)
	}

	return layout, nil
}

// resolveDest computes and validates the absolute destination for an
// attachment. Destinations that resolve outside the execution directory
// are rejected rather than sanitized.
func resolveDest(execDir string, att Attachment) (string, error) {
	rel := att.Dest
	if rel == "" {
		rel = filepath.Base(att.Name)
	}
	if rel == "" || rel == "." || rel == string(filepath.Separator) {
		return "", &errors.AttachmentError{Name: att.Name, Message: "empty destination path"}
	}
	if filepath.IsAbs(rel) {
		return "", &errors.PathEscapeError{Path: att.Dest}
	}

	dest := filepath.Join(execDir, filepath.Clean(rel))
	if dest != execDir && !strings.HasPrefix(dest, execDir+string(filepath.Separator)) {
		return "", &errors.PathEscapeError{Path: att.Dest}
	}
	if dest == execDir {
		return "", &errors.AttachmentError{Name: att.Name, Message: "destination is the run directory itself"}
	}
	return dest, nil
}

// writeAttachment writes one attachment, creating intermediate directories.
func writeAttachment(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("workdir: creating %s: %w", filepath.Dir(dest), err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("workdir: creating %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("workdir: writing %s: %w", dest, err)
	}
	return nil
}

// resolveWorkflow turns the submitted workflow reference into the path
// handed to the workflow engine. Relative references must name a staged
// attachment; http(s) URLs map to a destination inside the execution
// directory and are returned alongside as a fetch source; file://
// references must already be inside the execution directory.
func resolveWorkflow(execDir, workflowURL string) (string, string, error) {
	switch {
	case workflowURL == "":
		return "", "", &errors.ValidationError{Field: "workflow_url", Message: "is required"}

	case strings.HasPrefix(workflowURL, "http://"), strings.HasPrefix(workflowURL, "https://"):
		u, err := url.Parse(workflowURL)
		if err != nil {
			return "", "", &errors.ValidationError{
				Field:   "workflow_url",
				Message: fmt.Sprintf("malformed URL %q", workflowURL),
			}
		}
		base := path.Base(u.Path)
		if base == "" || base == "." || base == "/" {
			base = "workflow"
		}
		return filepath.Join(execDir, base), workflowURL, nil

	case strings.HasPrefix(workflowURL, "file://"):
		p := strings.TrimPrefix(workflowURL, "file://")
		if !strings.HasPrefix(p, execDir+string(filepath.Separator)) {
			return "", "", &errors.PathEscapeError{Path: workflowURL}
		}
		return p, "", nil

	case strings.Contains(workflowURL, ":"):
		return "", "", &errors.ValidationError{
			Field:   "workflow_url",
			Message: fmt.Sprintf("unsupported scheme in %q", workflowURL),
		}

	default:
		// Relative reference, resolved against the staged attachments.
		dest, err := resolveDest(execDir, Attachment{Name: workflowURL, Dest: workflowURL})
		if err != nil {
			return "", "", err
		}
		if _, err := os.Stat(dest); err != nil {
			return "", "", &errors.ValidationError{
				Field:   "workflow_url",
				Message: fmt.Sprintf("%q does not match any attachment", workflowURL),
			}
		}
		return dest, "", nil
	}
}
