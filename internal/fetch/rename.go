// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"io"
	"os"
	"syscall"
)

// renameWithFallback attempts to rename a file, falling back to copying in
// the event of a cross-device link error. Artifact downloads land in a temp file
// colocated with the final target (see FetchOne), so the cross-device case
// should not normally trigger, but output directories can be bind-mounted
// from a different filesystem than the default temp dir fallback used by
// some callers.
func renameWithFallback(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	terr, ok := err.(*os.LinkError)
	if !ok {
		return err
	}

	var crossDevice bool
	if errno, ok := terr.Err.(syscall.Errno); ok {
		crossDevice = errno == syscall.EXDEV
	}
	if !crossDevice {
		return terr
	}

	if cerr := copyFile(src, dst); cerr != nil {
		return cerr
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, fi.Mode())
}
