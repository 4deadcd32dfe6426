// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Checksum is a single "algorithm:hex" digest, the wire form lockfiles
// carry (go.sum, package-lock.json integrity, Cargo.lock checksum,
// artifacts.lock.yaml checksum).
type Checksum struct {
	Algorithm string
	Hex       string
}

func (c Checksum) String() string { return c.Algorithm + ":" + c.Hex }

// ParseChecksum splits an "algorithm:hex" string, as found in a purl
// checksum qualifier or an artifacts.lock.yaml entry.
func ParseChecksum(s string) (Checksum, error) {
	alg, hx, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, errors.Errorf("malformed checksum %q, want alg:hex", s)
	}
	if _, err := newHasher(alg); err != nil {
		return Checksum{}, err
	}
	return Checksum{Algorithm: strings.ToLower(alg), Hex: strings.ToLower(hx)}, nil
}

func newHasher(alg string) (hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errors.Errorf("unsupported digest algorithm %q", alg)
	}
}

// multiDigester updates every named algorithm's hasher in a single
// streaming pass over the downloaded bytes.
type multiDigester struct {
	hashers map[string]hash.Hash
	writer  io.Writer
}

func newMultiDigester(algorithms []string) *multiDigester {
	md := &multiDigester{hashers: map[string]hash.Hash{}}
	writers := make([]io.Writer, 0, len(algorithms))
	seen := map[string]bool{}
	for _, a := range algorithms {
		a = strings.ToLower(a)
		if seen[a] {
			continue
		}
		seen[a] = true
		h, err := newHasher(a)
		if err != nil {
			continue
		}
		md.hashers[a] = h
		writers = append(writers, h)
	}
	md.writer = io.MultiWriter(writers...)
	return md
}

func (md *multiDigester) Write(p []byte) (int, error) { return md.writer.Write(p) }

func (md *multiDigester) sum(alg string) string {
	h, ok := md.hashers[strings.ToLower(alg)]
	if !ok {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a downloaded file's digest against expected: if any named
// digest matches and none mismatch, success; any mismatch is a hard
// failure. Expected must be non-empty; callers who have no expected
// checksum must attach a missing_hash property instead of calling Verify.
func Verify(r io.Reader, expected []Checksum) error {
	if len(expected) == 0 {
		return errors.New("no checksums to verify against")
	}
	algs := make([]string, len(expected))
	for i, c := range expected {
		algs[i] = c.Algorithm
	}
	md := newMultiDigester(algs)
	if _, err := io.Copy(md, r); err != nil {
		return errors.Wrap(err, "reading artifact for digest verification")
	}

	matched := false
	var mismatches []string
	for _, c := range expected {
		got := md.sum(c.Algorithm)
		if got == "" {
			mismatches = append(mismatches, fmt.Sprintf("%s: algorithm not computed", c.Algorithm))
			continue
		}
		if got == c.Hex {
			matched = true
			continue
		}
		mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", c.Algorithm, c.Hex, got))
	}
	if !matched || len(mismatches) > 0 {
		return errors.Errorf("checksum verification failed: %s", strings.Join(mismatches, "; "))
	}
	return nil
}
