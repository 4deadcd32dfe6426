// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cachi2

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

func newTestRequest(t *testing.T, packages []Package) *Request {
	t.Helper()
	src := t.TempDir()
	out := t.TempDir()
	req, err := NewRequest(src, out, packages, Flags{}, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func TestNewRequestRejectsMissingSourceDir(t *testing.T) {
	_, err := NewRequest(filepath.Join(t.TempDir(), "does-not-exist"), t.TempDir(), nil, Flags{}, nil)
	if err == nil {
		t.Fatal("expected missing source dir to be rejected")
	}
}

func TestNewRequestRejectsPackagePathEscape(t *testing.T) {
	src := t.TempDir()
	_, err := NewRequest(src, t.TempDir(), []Package{{Kind: KindGomod, Path: "../escape"}}, Flags{}, nil)
	if err == nil {
		t.Fatal("expected package path escaping source dir to be rejected")
	}
}

func TestNewRequestRejectsMissingRequirementsFile(t *testing.T) {
	src := t.TempDir()
	_, err := NewRequest(src, t.TempDir(), []Package{
		{Kind: KindPip, Path: ".", RequirementsFiles: []string{"requirements.txt"}},
	}, Flags{}, nil)
	if err == nil {
		t.Fatal("expected missing requirements file to be rejected")
	}
}

func TestNewRequestAcceptsValidPackage(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "requirements.txt"), []byte("foo==1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	req, err := NewRequest(src, t.TempDir(), []Package{
		{Kind: KindPip, Path: ".", RequirementsFiles: []string{"requirements.txt"}},
	}, Flags{}, nil)
	if err != nil {
		t.Fatalf("expected valid request to be accepted: %v", err)
	}
	if req.Log == nil {
		t.Fatal("expected a default logger to be installed")
	}
}

func TestNewRequestGatesExperimentalKinds(t *testing.T) {
	src := t.TempDir()
	if _, err := NewRequest(src, t.TempDir(), []Package{{Kind: KindBundler, Path: "."}}, Flags{}, nil); err == nil {
		t.Fatal("expected bundler to require the dev-package-managers flag")
	}
	if _, err := NewRequest(src, t.TempDir(), []Package{{Kind: KindBundler, Path: "."}}, Flags{DevPackageManagers: true}, nil); err != nil {
		t.Fatalf("expected bundler to be accepted with dev-package-managers, got %v", err)
	}
}

func TestEnsureDepsDirCreatesLayout(t *testing.T) {
	req := newTestRequest(t, nil)
	dir, err := req.EnsureDepsDir("npm")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(req.OutputDir, "deps", "npm")
	if dir != want {
		t.Fatalf("EnsureDepsDir() = %q, want %q", dir, want)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("expected %q to exist as a directory", dir)
	}
}

func TestWriteOutputsListsEdits(t *testing.T) {
	req := newTestRequest(t, []Package{{Kind: KindNpm, Path: "."}})
	result := NewResult()
	result.BOM.Add(sbom.Component{Name: "accepts", Version: "1.3.8", Purl: "pkg:npm/accepts@1.3.8", Type: sbom.TypeLibrary})
	result.Edits = append(result.Edits, FileEdit{Path: "package-lock.json", Description: "rewrote resolved URLs to local cache"})

	if err := WriteOutputs(req, result, ""); err != nil {
		t.Fatalf("WriteOutputs failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(req.OutputDir, "output.json"))
	if err != nil {
		t.Fatal(err)
	}
	var summary outputSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatal(err)
	}
	if len(summary.Edits) != 1 || summary.Edits[0].Path != "package-lock.json" {
		t.Fatalf("expected the file edit to be listed in output.json, got %+v", summary.Edits)
	}
	if len(summary.Packages) != 1 || summary.Packages[0].Type != "npm" {
		t.Fatalf("expected the npm package to be listed in output.json, got %+v", summary.Packages)
	}

	if _, err := os.Stat(filepath.Join(req.OutputDir, "bom.json")); err != nil {
		t.Fatalf("expected bom.json to be written: %v", err)
	}
}
