// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cachi2

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// envFileName is the sidecar fetch-deps writes next to output.json/bom.json
// so that a later, separate `generate-env` invocation never has to re-run
// any resolver to learn what environment variables a build needs.
const envFileName = "cachi2.env.json"

// envFile is envFileName's on-disk shape. OutputDir records the absolute
// output directory fetch-deps ran with, so that generate-env can recognize
// and rebase any IsPath value when --for-output-dir names a different
// path, typically because the deps directory gets copied somewhere else
// before the actual build runs.
type envFile struct {
	OutputDir string   `json:"output_dir"`
	Vars      []EnvVar `json:"vars"`
}

// WriteEnvFile persists result.Env for a later generate-env call.
func WriteEnvFile(r *Request, result *Result) error {
	ef := envFile{OutputDir: r.OutputDir, Vars: result.Env}
	return writeJSONAtomic(filepath.Join(r.OutputDir, envFileName), ef)
}

// GenerateEnv implements the `generate-env` subcommand's contract: read the
// sidecar fetch-deps left behind, rebase any path-valued variable onto
// forOutputDir (when non-empty), and render the result in the requested
// format ("env" for shell-sourceable `export` lines, "json" for a flat
// name->value object).
func GenerateEnv(outputDir, forOutputDir, format string) (string, error) {
	ef, err := readEnvFile(outputDir)
	if err != nil {
		return "", err
	}

	vars := make([]EnvVar, len(ef.Vars))
	for i, v := range ef.Vars {
		vars[i] = v
		if v.IsPath && forOutputDir != "" {
			vars[i].Value = rebasePath(v.Value, ef.OutputDir, forOutputDir)
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })

	switch format {
	case "", "env":
		var b strings.Builder
		for _, v := range vars {
			fmt.Fprintf(&b, "export %s=%s\n", v.Name, shellQuote(v.Value))
		}
		return b.String(), nil
	case "dotenv":
		var b strings.Builder
		for _, v := range vars {
			fmt.Fprintf(&b, "%s=%s\n", v.Name, v.Value)
		}
		return b.String(), nil
	case "json":
		m := map[string]string{}
		for _, v := range vars {
			m[v.Name] = v.Value
		}
		return marshalJSONIndent(m)
	default:
		return "", errors.Errorf("unsupported generate-env format %q (want env, json, or dotenv)", format)
	}
}

func readEnvFile(outputDir string) (*envFile, error) {
	path := filepath.Join(outputDir, envFileName)
	var ef envFile
	if err := readJSON(path, &ef); err != nil {
		return nil, errors.Wrapf(err, "reading %s (run fetch-deps first)", path)
	}
	return &ef, nil
}

func rebasePath(value, originalOutputDir, forOutputDir string) string {
	if !strings.HasPrefix(value, originalOutputDir) {
		return value
	}
	return forOutputDir + strings.TrimPrefix(value, originalOutputDir)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// InjectFiles implements the `inject-files` subcommand's contract:
// re-run resolution (the Fetch Primitive skips an artifact whose target
// path already matches its expected checksums; artifacts without
// checksums and uncached VCS clones are fetched again) and apply
// every FileEdit against the Request's SourceDir, rebasing any reference
// to the output directory onto forOutputDir. This lets the same edits be
// replayed against a source tree that was copied to a different path
// after fetch-deps ran on a different host.
func InjectFiles(r *Request, result *Result, forOutputDir string) error {
	if forOutputDir == "" {
		forOutputDir = r.OutputDir
	}
	for _, e := range result.Edits {
		absPath, err := r.ResolveSourcePath(e.Path)
		if err != nil {
			return errors.Wrapf(err, "edit %q", e.Path)
		}
		if err := e.Apply(absPath, forOutputDir); err != nil {
			return errors.Wrapf(err, "applying edit %q", e.Path)
		}
	}
	return nil
}
