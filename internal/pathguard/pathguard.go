// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pathguard is the Path Guard: it resolves any
// dependency-supplied relative path against a declared root, refusing
// absolute paths, symlink escapes, and ".." traversal that leaves the
// root. Every file write under an output directory and every read under a
// source directory is expected to pass through a Guard.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// Guard confines every path resolution to Root.
type Guard struct {
	Root string // absolute, cleaned
}

// New returns a Guard rooted at root. root is cleaned and must be
// absolute; relative roots are rejected since nothing above this layer
// can meaningfully confine them.
func New(root string) (*Guard, error) {
	if !filepath.IsAbs(root) {
		return nil, errors.Errorf("path guard root %q must be absolute", root)
	}
	return &Guard{Root: filepath.Clean(root)}, nil
}

// Resolve joins rel onto the guard's root and verifies the result never
// leaves Root: absolute paths, ".." escapes, and symlink escapes are all
// refused.
func (g *Guard) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errors.Errorf("path %q must be relative to %q", rel, g.Root)
	}

	joined := filepath.Join(g.Root, rel)
	if !isWithin(g.Root, joined) {
		return "", errors.Errorf("path %q escapes root %q via .. traversal", rel, g.Root)
	}

	if err := g.checkSymlinkEscape(joined); err != nil {
		return "", err
	}

	return joined, nil
}

// checkSymlinkEscape walks from Root down to target (which need not exist
// yet) resolving any symlinks encountered among *existing* ancestors, and
// confirms the resolved ancestor chain still lives under Root.
func (g *Guard) checkSymlinkEscape(target string) error {
	rel, err := filepath.Rel(g.Root, target)
	if err != nil {
		return errors.Wrapf(err, "computing relative path from %q to %q", g.Root, target)
	}

	cur := g.Root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			// Everything below a nonexistent segment is a planned write,
			// not yet on disk; nothing left to escape through.
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "checking %q for symlink escape", cur)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return errors.Wrapf(err, "resolving symlink %q", cur)
			}
			if !isWithin(g.Root, resolved) {
				return errors.Errorf("symlink %q escapes root %q (resolves to %q)", cur, g.Root, resolved)
			}
		}
	}
	return nil
}

func isWithin(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// IsDir is true if name is an existing directory.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !fi.IsDir() {
		return false, errors.Errorf("%q is not a directory", name)
	}
	return true, nil
}

// IsRegular is true if name is an existing regular file.
func IsRegular(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fi.IsDir() {
		return false, errors.Errorf("%q is a directory, expected a regular file", name)
	}
	return true, nil
}

// WalkFiles walks dir (which must already be inside the guard's root)
// yielding every regular file's path relative to dir. Used by resolvers
// that diff-check or enumerate an on-disk cache tree (e.g. the gomod
// resolver's vendor divergence check).
func WalkFiles(dir string, fn func(relPath string) error) error {
	return godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			return fn(rel)
		},
		Unsorted: false,
	})
}
