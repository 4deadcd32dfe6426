// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gomod

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckToolchainPolicyBelowFloor(t *testing.T) {
	toolchain, err := checkToolchainPolicy("1.20", "1.25.0")
	if err != nil {
		t.Fatalf("go directives below 1.21 should use the host toolchain as-is: %v", err)
	}
	if toolchain != "" {
		t.Fatalf("expected no GOTOOLCHAIN setting below 1.21, got %q", toolchain)
	}
}

func TestCheckToolchainPolicyNoCeiling(t *testing.T) {
	toolchain, err := checkToolchainPolicy("1.22", "")
	if err != nil {
		t.Fatalf("no ceiling configured should never fail: %v", err)
	}
	if toolchain != "auto" {
		t.Fatalf("expected GOTOOLCHAIN=auto without a ceiling, got %q", toolchain)
	}
}

func TestCheckToolchainPolicyWithinCeiling(t *testing.T) {
	toolchain, err := checkToolchainPolicy("1.22", "1.23.0")
	if err != nil {
		t.Fatalf("go directive floor 1.22.0 is within ceiling 1.23.0: %v", err)
	}
	if toolchain != "auto" {
		t.Fatalf("expected GOTOOLCHAIN=auto within the ceiling, got %q", toolchain)
	}
}

func TestCheckToolchainPolicyClampsToCeiling(t *testing.T) {
	toolchain, err := checkToolchainPolicy("1.24", "1.23.0")
	if err != nil {
		t.Fatalf("a floor above the ceiling should clamp, not fail: %v", err)
	}
	if toolchain != "go1.23.0" {
		t.Fatalf("expected the ceiling toolchain go1.23.0, got %q", toolchain)
	}
}

func TestDecodeModuleStream(t *testing.T) {
	stream := `{"Path":"example.com/a","Version":"v1.0.0"}
{"Path":"example.com/main","Main":true}
{"Path":"example.com/b","Version":"v2.0.0"}
`
	modules, err := decodeModuleStream([]byte(stream))
	if err != nil {
		t.Fatal(err)
	}
	if len(modules) != 2 {
		t.Fatalf("expected the main module to be filtered out, got %d modules", len(modules))
	}
	if modules[0].Path != "example.com/a" || modules[1].Path != "example.com/b" {
		t.Fatalf("unexpected modules: %+v", modules)
	}
}

func TestGoSumMissingModules(t *testing.T) {
	dir := t.TempDir()
	goSum := "example.com/a v1.0.0 h1:abc=\nexample.com/a v1.0.0/go.mod h1:def=\n"
	if err := os.WriteFile(filepath.Join(dir, "go.sum"), []byte(goSum), 0o644); err != nil {
		t.Fatal(err)
	}

	modules := []moduleRecord{
		{Path: "example.com/a", Version: "v1.0.0"},
		{Path: "example.com/b", Version: "v2.0.0"},
	}
	missing, err := goSumMissingModules(dir, modules)
	if err != nil {
		t.Fatal(err)
	}
	if missing["example.com/a"] {
		t.Fatal("example.com/a has a go.sum entry, should not be missing")
	}
	if !missing["example.com/b"] {
		t.Fatal("example.com/b has no go.sum entry, should be reported missing")
	}
}

func TestGoSumMissingModulesNoGoSum(t *testing.T) {
	dir := t.TempDir()
	modules := []moduleRecord{{Path: "example.com/a", Version: "v1.0.0"}}
	missing, err := goSumMissingModules(dir, modules)
	if err != nil {
		t.Fatal(err)
	}
	if !missing["example.com/a"] {
		t.Fatal("every module should be reported missing when go.sum does not exist")
	}
}

func TestBuildComponentsModulesAndPackages(t *testing.T) {
	modules := []moduleRecord{
		{Path: "example.com/a", Version: "v1.0.0"},
	}
	packages := []packageRecord{
		{ImportPath: "fmt", Standard: true},
		{ImportPath: "example.com/a/sub", Module: &modules[0]},
	}
	goSumMissing := map[string]bool{"example.com/a": true}

	out := buildComponents(modules, packages, goSumMissing)
	if len(out) != 3 {
		t.Fatalf("expected 1 module + 2 packages = 3 components, got %d", len(out))
	}

	foundStdlib, foundModule, foundSub := false, false, false
	for _, c := range out {
		switch c.Name {
		case "fmt":
			foundStdlib = true
			if c.Version != "" {
				t.Fatalf("stdlib packages must not carry a version, got %q", c.Version)
			}
			if c.HasProperty("cachi2:missing_hash:in_file", "go.sum") {
				t.Fatal("stdlib packages never get a missing_hash property")
			}
		case "example.com/a":
			foundModule = true
			if !c.HasProperty("cachi2:missing_hash:in_file", "go.sum") {
				t.Fatal("module with a missing go.sum entry should carry missing_hash")
			}
		case "example.com/a/sub":
			foundSub = true
			if c.Version != "v1.0.0" {
				t.Fatalf("package should inherit its owning module's version, got %q", c.Version)
			}
		}
	}
	if !foundStdlib || !foundModule || !foundSub {
		t.Fatalf("missing expected components: stdlib=%v module=%v sub=%v", foundStdlib, foundModule, foundSub)
	}
}

func TestVendorHasContent(t *testing.T) {
	dir := t.TempDir()
	ok, err := vendorHasContent(filepath.Join(dir, "vendor"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a nonexistent vendor/ should report no content")
	}

	vendorDir := filepath.Join(dir, "vendor")
	if err := os.MkdirAll(vendorDir, 0o755); err != nil {
		t.Fatal(err)
	}
	ok, err = vendorHasContent(vendorDir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("an empty vendor/ should report no content")
	}

	if err := os.WriteFile(filepath.Join(vendorDir, "modules.txt"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = vendorHasContent(vendorDir)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("a populated vendor/ should report content")
	}
}
