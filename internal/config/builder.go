/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kentakayama/uptane-primary/resources"
)

// Builder layers configuration sources. Later layers override the keys
// they set and keep the others.
type Builder struct {
	cfg Config
	err error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// WithDefaults applies the embedded default configuration.
func (b *Builder) WithDefaults() *Builder {
	return b.WithYAML("defaults", resources.DefaultConfigYAML)
}

// WithFile applies a YAML configuration file.
func (b *Builder) WithFile(path string) *Builder {
	if b.err != nil {
		return b
	}
	data, err := os.ReadFile(path)
	if err != nil {
		b.err = fmt.Errorf("read config: %w", err)
		return b
	}
	return b.WithYAML(path, data)
}

// WithPaths applies every path in order. A directory contributes its
// *.yaml and *.yml files in lexical order.
func (b *Builder) WithPaths(paths ...string) *Builder {
	for _, p := range paths {
		if b.err != nil {
			return b
		}
		info, err := os.Stat(p)
		if err != nil {
			b.err = fmt.Errorf("read config: %w", err)
			return b
		}
		if !info.IsDir() {
			b.WithFile(p)
			continue
		}
		var files []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			m, _ := filepath.Glob(filepath.Join(p, pattern))
			files = append(files, m...)
		}
		sort.Strings(files)
		for _, f := range files {
			b.WithFile(f)
		}
	}
	return b
}

// WithYAML applies data named name in error messages. Unknown keys are
// rejected.
func (b *Builder) WithYAML(name string, data []byte) *Builder {
	if b.err != nil {
		return b
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b.cfg); err != nil && !errors.Is(err, io.EOF) {
		b.err = fmt.Errorf("parse config %s: %w", name, err)
	}
	return b
}

// With applies an override, typically from command line flags.
func (b *Builder) With(fn func(*Config)) *Builder {
	if b.err == nil {
		fn(&b.cfg)
	}
	return b
}

// Build derives the unset servers and validates the result.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.cfg
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Dump renders c as YAML, as reported to the server.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
