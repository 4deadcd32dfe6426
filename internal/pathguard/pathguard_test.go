// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pathguard

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolveRejectsAbsolutePath(t *testing.T) {
	g, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Resolve("/etc/passwd"); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
}

func TestResolveRejectsDotDotEscape(t *testing.T) {
	g, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Resolve("../../etc/passwd"); err == nil {
		t.Fatal("expected .. traversal to be rejected")
	}
}

func TestResolveAllowsNestedPath(t *testing.T) {
	root := t.TempDir()
	g, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.Resolve(filepath.Join("deps", "npm", "accepts-1.3.8.tgz"))
	if err != nil {
		t.Fatalf("expected nested path to be accepted: %v", err)
	}
	want := filepath.Join(root, "deps", "npm", "accepts-1.3.8.tgz")
	if got != want {
		t.Fatalf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink semantics differ on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatal(err)
	}

	g, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Resolve(filepath.Join("escape", "payload")); err == nil {
		t.Fatal("expected symlink escape to be rejected")
	}
}

func TestNewRejectsRelativeRoot(t *testing.T) {
	if _, err := New("relative/path"); err == nil {
		t.Fatal("expected relative root to be rejected")
	}
}
