// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package yarnberry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckZeroInstall(t *testing.T) {
	dir := t.TempDir()
	if err := checkZeroInstall(dir); err != nil {
		t.Fatalf("expected no error without .yarn/unplugged, got %v", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, ".yarn", "unplugged"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := checkZeroInstall(dir); err == nil {
		t.Fatal("expected Zero-Install to be rejected")
	}
}

func TestValidateYarnrcRejectsEscapingPath(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, ".yarnrc.yml"), []byte("cacheFolder: ../../etc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := validateYarnrc(Input{Dir: source, SourceDir: source})
	if err == nil {
		t.Fatal("expected an escaping cacheFolder to be rejected")
	}
}

func TestValidateYarnrcAcceptsInTreePath(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, ".yarnrc.yml"), []byte("cacheFolder: .yarn/cache\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateYarnrc(Input{Dir: source, SourceDir: source}); err != nil {
		t.Fatalf("expected an in-tree cacheFolder to be accepted, got %v", err)
	}
}

func TestValidateYarnrcRejectsNonExecPlugin(t *testing.T) {
	source := t.TempDir()
	content := "plugins:\n  - path: .yarn/plugins/plugin-typescript.cjs\n    spec: \"@yarnpkg/plugin-typescript\"\n"
	if err := os.WriteFile(filepath.Join(source, ".yarnrc.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateYarnrc(Input{Dir: source, SourceDir: source}); err == nil {
		t.Fatal("expected a non-exec plugin to be rejected")
	}
}

func TestValidateYarnrcAcceptsExecPlugin(t *testing.T) {
	source := t.TempDir()
	content := "plugins:\n  - path: .yarn/plugins/plugin-exec.cjs\n    spec: \"@yarnpkg/plugin-exec\"\n"
	if err := os.WriteFile(filepath.Join(source, ".yarnrc.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateYarnrc(Input{Dir: source, SourceDir: source}); err != nil {
		t.Fatalf("expected the vendored exec plugin to be accepted, got %v", err)
	}
}

func TestBuildComponentNpm(t *testing.T) {
	rec := infoRecord{Value: "lodash@npm:4.17.21"}
	rec.Children.Version = "4.17.21"
	rec.Children.Cache.Checksum = "10c0/deadbeef"

	c, err := buildComponent(rec)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "lodash" || c.Version != "4.17.21" {
		t.Fatalf("got %+v", c)
	}
	if c.HasProperty("cachi2:missing_hash:in_file", "yarn.lock") {
		t.Fatal("did not expect a missing-hash property when Cache.Checksum is set")
	}
}

func TestBuildComponentScopedNpmMissingHash(t *testing.T) {
	rec := infoRecord{Value: "@babel/core@npm:7.22.0"}
	rec.Children.Version = "7.22.0"

	c, err := buildComponent(rec)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "@babel/core" {
		t.Fatalf("got %+v", c)
	}
	if !c.HasProperty("cachi2:missing_hash:in_file", "yarn.lock") {
		t.Fatal("expected a missing-hash property when Cache.Checksum is empty")
	}
}

func TestBuildComponentWorkspaceSkipped(t *testing.T) {
	rec := infoRecord{Value: "myapp@workspace:."}
	c, err := buildComponent(rec)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("expected workspace locators to be skipped, got %+v", c)
	}
}

func TestBuildComponentRejectsGit(t *testing.T) {
	rec := infoRecord{Value: "mygem@git:https://github.com/example/mygem.git"}
	if _, err := buildComponent(rec); err == nil {
		t.Fatal("expected a git: locator to be rejected")
	}
}

func TestBuildComponentPatch(t *testing.T) {
	rec := infoRecord{Value: "lodash@patch:lodash@npm%3A4.17.21#./patches/lodash.patch"}
	rec.Children.Cache.Checksum = "10c0/feedface"

	c, err := buildComponent(rec)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Version != "4.17.21" {
		t.Fatalf("got %+v", c)
	}
}
