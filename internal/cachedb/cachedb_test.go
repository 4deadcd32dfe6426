// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cachedb

import (
	"path/filepath"
	"testing"
)

func TestNilDBAlwaysMisses(t *testing.T) {
	var db *DB
	if _, ok := db.ResolvedCommit("https://example.com/x", "main"); ok {
		t.Fatal("expected nil DB to always miss")
	}
	if err := db.StoreResolvedCommit("https://example.com/x", "main", "deadbeef"); err != nil {
		t.Fatalf("expected nil DB store to no-op, got %v", err)
	}
}

func TestRoundTripCommitAndETag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cachi2.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.StoreResolvedCommit("https://example.com/x", "main", "deadbeef"); err != nil {
		t.Fatal(err)
	}
	commit, ok := db.ResolvedCommit("https://example.com/x", "main")
	if !ok || commit != "deadbeef" {
		t.Fatalf("ResolvedCommit() = (%q, %v), want (deadbeef, true)", commit, ok)
	}
	if _, ok := db.ResolvedCommit("https://example.com/x", "other-ref"); ok {
		t.Fatal("expected a miss for a different ref")
	}

	if err := db.StoreArchive("https://example.com/x", "main", []byte("tarball-bytes")); err != nil {
		t.Fatal(err)
	}
	archive, ok := db.CachedArchive("https://example.com/x", "main")
	if !ok || string(archive) != "tarball-bytes" {
		t.Fatalf("CachedArchive() = (%q, %v), want (tarball-bytes, true)", archive, ok)
	}
	if _, ok := db.CachedArchive("https://example.com/x", "other-ref"); ok {
		t.Fatal("expected an archive miss for a different ref")
	}

	if err := db.StoreETag("https://pypi.org/simple/foo/", `"abc123"`); err != nil {
		t.Fatal(err)
	}
	etag, ok := db.ETag("https://pypi.org/simple/foo/")
	if !ok || etag != `"abc123"` {
		t.Fatalf("ETag() = (%q, %v), want (\"abc123\", true)", etag, ok)
	}
}
