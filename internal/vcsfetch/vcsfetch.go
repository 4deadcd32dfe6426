// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vcsfetch is the VCS Fetcher: given a (repo URL,
// revision) pair it produces a deterministic .tar.gz of the checked-out
// tree, with no .git directory.
//
// It is built on github.com/Masterminds/vcs: Repo.ExportDir produces a
// clean copy of the checked-out tree, which is then archived with sorted
// entries and zeroed mtimes so the same (URL, revision) pair always yields
// the same bytes.
package vcsfetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
)

// zeroTime stamps every tar entry with the epoch so that archiveTree
// produces a byte-identical tarball across runs.
var zeroTime = time.Unix(0, 0)

// Request describes a single VCS fetch: clone repoURL, checkout revision,
// and archive the resulting tree to archivePath.
type Request struct {
	RepoURL     string
	Revision    string
	ArchivePath string // destination .tar.gz, created atomically

	// Cache is the optional persistent metadata cache. A nil Cache (the
	// default) always misses: Fetch simply clones every time. A non-nil
	// Cache shared across invocations lets a repeated (RepoURL, Revision)
	// pair skip the clone entirely by replaying a previously archived
	// tarball.
	Cache *cachedb.DB
}

// Fetch clones repoURL into a scratch directory, checks out the exact
// revision, verifies the resolved commit matches the declared revision,
// and writes a reproducible tarball of the tree with .git stripped,
// entries sorted by path, and mtimes zeroed.
func Fetch(ctx context.Context, req Request) (resolvedCommit string, err error) {
	if archive, ok := req.Cache.CachedArchive(req.RepoURL, req.Revision); ok {
		if commit, ok := req.Cache.ResolvedCommit(req.RepoURL, req.Revision); ok {
			if err := writeFileAtomic(req.ArchivePath, archive); err != nil {
				return "", errors.Wrapf(err, "replaying cached archive to %s", req.ArchivePath)
			}
			return commit, nil
		}
	}

	scratch, err := os.MkdirTemp("", "cachi2-vcs-clone-*")
	if err != nil {
		return "", errors.Wrap(err, "creating scratch clone directory")
	}
	defer os.RemoveAll(scratch)

	cloneDir := filepath.Join(scratch, "repo")
	repo, err := vcs.NewRepo(req.RepoURL, cloneDir)
	if err != nil {
		return "", errors.Wrapf(err, "preparing repository handle for %s", req.RepoURL)
	}

	if err := repo.Get(); err != nil {
		return "", errors.Wrapf(err, "cloning %s", req.RepoURL)
	}

	if err := repo.UpdateVersion(req.Revision); err != nil {
		return "", errors.Wrapf(err, "checking out %s at %s", req.RepoURL, req.Revision)
	}

	resolved, err := repo.Version()
	if err != nil {
		return "", errors.Wrapf(err, "resolving checked-out commit for %s", req.RepoURL)
	}
	if !commitMatches(resolved, req.Revision) {
		return "", errors.Errorf("resolved commit %s does not match declared revision %s for %s", resolved, req.Revision, req.RepoURL)
	}

	exportDir := filepath.Join(scratch, "export")
	if err := repo.ExportDir(exportDir); err != nil {
		return "", errors.Wrapf(err, "exporting tree for %s@%s", req.RepoURL, req.Revision)
	}

	if err := archiveTree(exportDir, req.ArchivePath); err != nil {
		return "", errors.Wrapf(err, "archiving exported tree to %s", req.ArchivePath)
	}

	if req.Cache != nil {
		archive, err := os.ReadFile(req.ArchivePath)
		if err != nil {
			return "", errors.Wrapf(err, "reading back %s for the metadata cache", req.ArchivePath)
		}
		if err := req.Cache.StoreArchive(req.RepoURL, req.Revision, archive); err != nil {
			return "", errors.Wrap(err, "storing archive in metadata cache")
		}
		if err := req.Cache.StoreResolvedCommit(req.RepoURL, req.Revision, resolved); err != nil {
			return "", errors.Wrap(err, "storing resolved commit in metadata cache")
		}
	}

	return resolved, nil
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsync'd and renamed into place, the same atomic-write shape
// archiveTree uses for its own output.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cachi2-vcs-replay-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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
	return os.Rename(tmpPath, path)
}

// ExportRequest describes a single VCS fetch whose result is an unpacked
// working tree rather than a tarball (bundler's GIT sources want a
// directory, not an archive).
type ExportRequest struct {
	RepoURL   string
	Revision  string
	ExportDir string // destination directory; created by this call

	// Cache mirrors Request.Cache: a nil value always misses.
	Cache *cachedb.DB
}

// FetchTree clones repoURL, checks out the exact revision, verifies the
// resolved commit matches the declared revision, and exports the tree
// (with .git stripped) to ExportDir. Unlike Fetch, no archive is produced
// on the caller-visible side, but a hit in Cache still skips the clone by
// replaying a cached tar.gz into ExportDir.
func FetchTree(ctx context.Context, req ExportRequest) (resolvedCommit string, err error) {
	if archive, ok := req.Cache.CachedArchive(req.RepoURL, req.Revision); ok {
		if commit, ok := req.Cache.ResolvedCommit(req.RepoURL, req.Revision); ok {
			if err := extractTarGz(archive, req.ExportDir); err != nil {
				return "", errors.Wrapf(err, "replaying cached tree to %s", req.ExportDir)
			}
			return commit, nil
		}
	}

	scratch, err := os.MkdirTemp("", "cachi2-vcs-clone-*")
	if err != nil {
		return "", errors.Wrap(err, "creating scratch clone directory")
	}
	defer os.RemoveAll(scratch)

	cloneDir := filepath.Join(scratch, "repo")
	repo, err := vcs.NewRepo(req.RepoURL, cloneDir)
	if err != nil {
		return "", errors.Wrapf(err, "preparing repository handle for %s", req.RepoURL)
	}

	if err := repo.Get(); err != nil {
		return "", errors.Wrapf(err, "cloning %s", req.RepoURL)
	}

	if err := repo.UpdateVersion(req.Revision); err != nil {
		return "", errors.Wrapf(err, "checking out %s at %s", req.RepoURL, req.Revision)
	}

	resolved, err := repo.Version()
	if err != nil {
		return "", errors.Wrapf(err, "resolving checked-out commit for %s", req.RepoURL)
	}
	if !commitMatches(resolved, req.Revision) {
		return "", errors.Errorf("resolved commit %s does not match declared revision %s for %s", resolved, req.Revision, req.RepoURL)
	}

	if err := repo.ExportDir(req.ExportDir); err != nil {
		return "", errors.Wrapf(err, "exporting tree for %s@%s", req.RepoURL, req.Revision)
	}

	if req.Cache != nil {
		archive, err := os.CreateTemp("", "cachi2-vcs-tree-cache-*.tar.gz")
		if err != nil {
			return "", errors.Wrap(err, "creating scratch archive for metadata cache")
		}
		archivePath := archive.Name()
		archive.Close()
		defer os.Remove(archivePath)

		if err := archiveTree(req.ExportDir, archivePath); err != nil {
			return "", errors.Wrap(err, "archiving exported tree for metadata cache")
		}
		data, err := os.ReadFile(archivePath)
		if err != nil {
			return "", errors.Wrap(err, "reading back scratch archive for metadata cache")
		}
		if err := req.Cache.StoreArchive(req.RepoURL, req.Revision, data); err != nil {
			return "", errors.Wrap(err, "storing archive in metadata cache")
		}
		if err := req.Cache.StoreResolvedCommit(req.RepoURL, req.Revision, resolved); err != nil {
			return "", errors.Wrap(err, "storing resolved commit in metadata cache")
		}
	}

	return resolved, nil
}

// extractTarGz replays a tar.gz byte blob produced by archiveTree into
// dir, the inverse operation used to serve a cache hit without cloning.
func extractTarGz(data []byte, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "opening cached archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading cached archive entry")
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// commitMatches accepts either an exact match or a declared revision that
// is a valid abbreviation (prefix) of the resolved full commit hash.
func commitMatches(resolved, declared string) bool {
	if resolved == declared {
		return true
	}
	if len(declared) >= 7 && len(declared) < len(resolved) {
		return resolved[:len(declared)] == declared
	}
	return false
}

// archiveTree writes dir as a deterministic tar.gz: entries sorted by
// path, mtimes zeroed, uid/gid zeroed. The file is written to a temp path
// alongside archivePath and renamed into place so a failed archive run
// never leaves a partial tarball.
func archiveTree(dir, archivePath string) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".cachi2-vcs-archive-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	var paths []string
	if err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	}); err != nil {
		tmp.Close()
		return err
	}
	sort.Strings(paths)

	for _, rel := range paths {
		full := filepath.Join(dir, rel)
		info, err := os.Lstat(full)
		if err != nil {
			tmp.Close()
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(full)
			if err != nil {
				tmp.Close()
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			tmp.Close()
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.ModTime = zeroTime
		hdr.AccessTime = zeroTime
		hdr.ChangeTime = zeroTime
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			tmp.Close()
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				tmp.Close()
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				tmp.Close()
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, archivePath)
}
