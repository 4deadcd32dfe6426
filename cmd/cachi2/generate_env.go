// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	cachi2 "github.com/containerbuildsystem/cachi2"
)

// generateEnvCommand implements the `generate-env` subcommand: read the
// cachi2.env.json sidecar a prior fetch-deps run left in
// --output, and render it as shell `export` lines, a flat JSON object, or
// a plain dotenv file. It never re-resolves anything -- that's the whole
// point of fetch-deps having written the sidecar already.
type generateEnvCommand struct {
	output       string
	forOutputDir string
	format       string
	outputFile   string
}

func (c *generateEnvCommand) Name() string { return "generate-env" }
func (c *generateEnvCommand) Args() string { return "<output-dir>" }
func (c *generateEnvCommand) ShortHelp() string {
	return "print the environment variables a fetch-deps run requested"
}
func (c *generateEnvCommand) LongHelp() string {
	return `generate-env reads the cachi2.env.json sidecar that fetch-deps wrote into
--output (or the positional <output-dir>, if given) and prints one
environment variable assignment per line, in the format named by
--format: "env" (shell export statements, the default), "json" (a flat
name->value object), or "dotenv" (bare KEY=VALUE lines).

--for-output-dir rewrites every path-valued variable that was anchored
under the original --output directory so that it is instead anchored
under the given directory -- use this when the deps/ tree was copied
somewhere else before the build actually runs.`
}

func (c *generateEnvCommand) Register(fs *pflag.FlagSet) {
	fs.StringVar(&c.output, "output", "", "the output directory a fetch-deps run populated")
	fs.StringVar(&c.forOutputDir, "for-output-dir", "", "rewrite path-valued variables as if --output were this directory")
	fs.StringVar(&c.format, "format", "env", "env, json, or dotenv")
	fs.StringVar(&c.outputFile, "output-file", "", "write to this file instead of stdout")
}

func (c *generateEnvCommand) Run(ctx context.Context, cfg *Config, args []string) error {
	outputDir := c.output
	if outputDir == "" && len(args) == 1 {
		outputDir = args[0]
	}
	if outputDir == "" {
		return errors.New("--output (or a positional <output-dir>) is required")
	}
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(cfg.WorkingDir, outputDir)
	}

	rendered, err := cachi2.GenerateEnv(outputDir, c.forOutputDir, c.format)
	if err != nil {
		return err
	}

	if c.outputFile == "" {
		fmt.Fprint(cfg.Stdout, rendered)
		return nil
	}
	return os.WriteFile(c.outputFile, []byte(rendered), 0o644)
}
