// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the monitor's startup configuration: the knobs
// that in the original source are compile-time constants (MAX_HARTS,
// the slab link-memory size) become a TOML file here, since a monitor
// built for one board's hart count and memory layout shouldn't need a
// recompile to run on another.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the monitor's startup configuration.
type Config struct {
	// MaxHarts is the configured number of harts. The monitor does not
	// read it: per-hart world state is kept for any hart ID a call names,
	// with no upper bound.
	MaxHarts int `toml:"max_harts"`
	// SlabSize is the number of enclave descriptors per registry slab
	// node.
	SlabSize int `toml:"slab_size"`
	// ArenaSize is the size in bytes of the fake physical memory arena
	// hostplatform.NewFake reserves for enclave memory and the shared
	// kbuffer region.
	ArenaSize int `toml:"arena_size"`
	// ArenaBase is the fake physical base address callers address into
	// the arena with.
	ArenaBase uint64 `toml:"arena_base"`
	// LogLevel names a logrus level ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration the demo CLI and tests use absent an
// explicit file.
func Default() *Config {
	return &Config{
		MaxHarts:  4,
		SlabSize:  8,
		ArenaSize: 64 << 20, // 64 MiB
		ArenaBase: 0x80000000,
		LogLevel:  "info",
	}
}

// Load reads and parses a TOML config file at path, filling in Default's
// values for any field the file doesn't set.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
