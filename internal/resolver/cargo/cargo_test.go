// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cargo

import "testing"

const sampleLock = `
version = 3

[[package]]
name = "app"
version = "0.1.0"

[[package]]
name = "libc"
version = "0.2.147"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = "b99153d08740dd8d8072bf8e78bf4d3c28d1d9a47b6dda0100a3bfe57740a46c"

[[package]]
name = "mycrate"
version = "0.1.0"
source = "git+https://github.com/example/mycrate?rev=abc123#abc123def4567890"
`

func TestParseCargoLock(t *testing.T) {
	packages, err := parseCargoLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(packages))
	}
	if !packages[0].IsWorkspace {
		t.Fatalf("expected app (no source) to be treated as the workspace root")
	}
	if packages[1].Checksum == "" {
		t.Fatalf("expected libc to carry a checksum")
	}
}

func TestParseGitSource(t *testing.T) {
	repo, commit := parseGitSource("git+https://github.com/example/mycrate?rev=abc123#abc123def4567890")
	if repo != "https://github.com/example/mycrate" || commit != "abc123def4567890" {
		t.Fatalf("got repo=%q commit=%q", repo, commit)
	}
}

func TestBuildComponentsSkipsDuplicateWorkspaceRoot(t *testing.T) {
	packages := []lockPackage{
		{Name: "app", Version: "0.1.0", IsWorkspace: true},
		{Name: "app-member", Version: "0.1.0", IsWorkspace: true},
	}
	out := buildComponents(packages)
	if len(out) != 1 {
		t.Fatalf("expected only the first workspace package to be emitted, got %d", len(out))
	}
}

func TestBuildComponentsMissingChecksum(t *testing.T) {
	packages := []lockPackage{
		{Name: "foo", Version: "1.0.0", Source: "registry+https://github.com/rust-lang/crates.io-index"},
	}
	out := buildComponents(packages)
	if !out[0].HasProperty("cachi2:missing_hash:in_file", "Cargo.lock") {
		t.Fatalf("expected a missing_hash property, got %+v", out[0])
	}
}
