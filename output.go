// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cachi2

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/theckman/go-flock"

	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// outputSummary is the machine-readable output.json document: one entry
// per resolved Package plus every file edit that was (or will be) applied,
// so the full set of source-tree rewrites is auditable after the fact.
type outputSummary struct {
	Packages []outputPackage `json:"packages"`
	Edits    []outputEdit    `json:"edits"`
}

type outputPackage struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type outputEdit struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// EnsureDepsDir creates <output>/deps/<pm> on demand, guarded by an
// advisory file lock (github.com/theckman/go-flock)
// dependency) so that concurrently-running resolver goroutines never race
// on MkdirAll for distinct package-manager subdirectories sharing the same
// parent.
func (r *Request) EnsureDepsDir(pm string) (string, error) {
	dir, err := r.DepsDir(pm)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating output dir %q", r.OutputDir)
	}

	lockPath := filepath.Join(r.OutputDir, ".cachi2.layout.lock")
	fl := flock.NewFlock(lockPath)
	if err := fl.Lock(); err != nil {
		return "", errors.Wrap(err, "acquiring output layout lock")
	}
	defer fl.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %q", dir)
	}
	return dir, nil
}

// WriteOutputs writes output.json and the chosen SBOM format (bom.json by
// default) atomically: both are staged to temp files in OutputDir and
// renamed into place, so a crash mid-write never leaves a torn
// output.json.
func WriteOutputs(r *Request, result *Result, sbomFormat string) error {
	summary := outputSummary{}
	for _, pkg := range r.Packages {
		summary.Packages = append(summary.Packages, outputPackage{Type: string(pkg.Kind), Path: pkg.Path})
	}
	for _, e := range result.Edits {
		summary.Edits = append(summary.Edits, outputEdit{Path: e.Path, Description: e.Description})
	}

	if err := writeJSONAtomic(filepath.Join(r.OutputDir, "output.json"), summary); err != nil {
		return errors.Wrap(err, "writing output.json")
	}

	bomBytes, bomFile, err := renderBOM(result.BOM, sbomFormat)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(r.OutputDir, bomFile), bomBytes); err != nil {
		return errors.Wrapf(err, "writing %s", bomFile)
	}
	return nil
}

func renderBOM(b *sbom.BOM, format string) ([]byte, string, error) {
	switch format {
	case "", "cyclonedx":
		out, err := b.ToCycloneDX()
		return out, "bom.json", err
	case "spdx":
		out, err := b.ToSPDX()
		return out, "bom.spdx.json", err
	default:
		return nil, "", errors.Errorf("unsupported sbom format %q", format)
	}
}

func writeJSONAtomic(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

// readJSON reads and decodes the JSON document at path into v. It backs
// generate-env's read of the cachi2.env.json sidecar fetch-deps writes.
func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// marshalJSONIndent renders v as an indented JSON string, for callers that
// want the bytes rather than a file write (generate-env's "json" format).
func marshalJSONIndent(v interface{}) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cachi2-out-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chtimes(tmpPath, time.Now(), time.Now()); err != nil {
		// best-effort; a stale mtime on the temp file never affects
		// correctness of the renamed-into-place output.
		_ = err
	}
	return os.Rename(tmpPath, path)
}
