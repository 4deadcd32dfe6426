// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cachedb is the persistent metadata cache:
// an optional, disk-backed key/value store recording resolved VCS commits
// and their exported archives across invocations that share the same
// long-lived cache directory, so a repeated resolution of the same input
// package skips a redundant clone.
//
// It is built on github.com/boltdb/bolt. The encoding is deliberately
// flat: the cache only ever holds two maps (ref to commit, ref to archive
// bytes), never version-constraint metadata.
//
// The cache is purely an optimization: every lookup method reports
// ok=false on a miss or when db is nil, and callers always fall back to a
// full network resolution in that case. It is never consulted for
// correctness.
package cachedb

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var (
	bucketCommits  = []byte("vcs-commits")
	bucketArchives = []byte("vcs-archives")
)

// DB wraps a bolt.DB rooted at a single file. A nil *DB is valid and
// behaves as an always-miss cache.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the bolt database at path. Callers
// that want metadata caching disabled should simply not call Open and
// pass a nil *DB everywhere one is accepted.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening metadata cache at %s", path)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCommits); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketArchives)
		return err
	})
	if err != nil {
		b.Close()
		return nil, errors.Wrap(err, "initializing metadata cache buckets")
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying bolt file handle. Safe to call on a nil
// *DB.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.bolt.Close()
}

func commitKey(repoURL, ref string) []byte {
	return []byte(repoURL + "\x00" + ref)
}

// ResolvedCommit looks up a previously cached (repoURL, ref) -> commit
// resolution. ok is false on a miss or when db is nil.
func (db *DB) ResolvedCommit(repoURL, ref string) (commit string, ok bool) {
	if db == nil {
		return "", false
	}
	_ = db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommits).Get(commitKey(repoURL, ref))
		if v != nil {
			commit, ok = string(v), true
		}
		return nil
	})
	return commit, ok
}

// StoreResolvedCommit records a (repoURL, ref) -> commit resolution. A nil
// db silently no-ops.
func (db *DB) StoreResolvedCommit(repoURL, ref, commit string) error {
	if db == nil {
		return nil
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommits).Put(commitKey(repoURL, ref), []byte(commit))
	})
}

// CachedArchive looks up a previously cached VCS archive (a tar.gz byte
// blob, keyed by the same (repoURL, ref) pair as ResolvedCommit) so a
// vcsfetch caller can skip cloning entirely on a hit. ok is false on a
// miss or when db is nil.
func (db *DB) CachedArchive(repoURL, ref string) (data []byte, ok bool) {
	if db == nil {
		return nil, false
	}
	_ = db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArchives).Get(commitKey(repoURL, ref))
		if v != nil {
			data = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return data, ok
}

// StoreArchive records the tar.gz bytes produced for (repoURL, ref). A nil
// db silently no-ops.
func (db *DB) StoreArchive(repoURL, ref string, data []byte) error {
	if db == nil {
		return nil
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).Put(commitKey(repoURL, ref), data)
	})
}
