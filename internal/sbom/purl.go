// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbom

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Purl builds a package URL in canonical encoding:
// pkg:<type>/<namespace>/<name>@<version>?k=v&k=v. Query keys are emitted
// in sorted order so that building the same purl twice always yields the
// identical string.
func Purl(kind, namespace, name, version string, qualifiers map[string]string) string {
	var b strings.Builder
	b.WriteString("pkg:")
	b.WriteString(kind)
	b.WriteByte('/')
	if namespace != "" {
		b.WriteString(pathEscape(namespace))
		b.WriteByte('/')
	}
	b.WriteString(pathEscape(name))
	if version != "" {
		b.WriteByte('@')
		b.WriteString(pathEscape(version))
	}
	if len(qualifiers) > 0 {
		keys := make([]string, 0, len(qualifiers))
		for k := range qualifiers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(qualifiers[k]))
		}
	}
	return b.String()
}

func pathEscape(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "%2F", "/")
}

// ChecksumQualifier formats a digest as a purl "checksum" qualifier value,
// e.g. "sha256:abcd...".
func ChecksumQualifier(alg, hex string) string {
	return fmt.Sprintf("%s:%s", alg, hex)
}
