// Copyright 2024 The Firecracker Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"

	"github.com/roypat/firecracker/pkg/guestmem"
)

// planConfig is the TOML form of a memory configuration.
type planConfig struct {
	// TotalSizeMiB is the guest memory size in MiB.
	TotalSizeMiB uint64 `toml:"total_size_mib"`
	// Backing is "standard" or "huge_pages_2m".
	Backing string `toml:"backing"`
	// Balloon requests a balloon device alongside.
	Balloon bool `toml:"balloon"`
	// DiffSnapshot requests differential snapshot support.
	DiffSnapshot bool `toml:"diff_snapshot"`
	// Initrd marks that an initrd will be loaded into guest memory.
	Initrd bool `toml:"initrd"`
}

func (c planConfig) memoryConfig() (guestmem.Config, error) {
	var mode guestmem.BackingMode
	switch c.Backing {
	case "", "standard":
		mode = guestmem.BackingStandard
	case "huge_pages_2m":
		mode = guestmem.BackingHugePages2M
	default:
		return guestmem.Config{}, fmt.Errorf("unknown backing mode %q", c.Backing)
	}
	// The shift below must not wrap.
	if c.TotalSizeMiB >= 1<<44 {
		return guestmem.Config{}, fmt.Errorf("total_size_mib %d is out of range", c.TotalSizeMiB)
	}
	return guestmem.Config{
		TotalSize:           c.TotalSizeMiB << 20,
		BackingMode:         mode,
		BalloonEnabled:      c.Balloon,
		DiffSnapshotEnabled: c.DiffSnapshot,
		InitrdPresent:       c.Initrd,
	}, nil
}

// Plan implements subcommands.Command for the "plan" command.
type Plan struct {
	configFile string
}

// Name implements subcommands.Command.
func (*Plan) Name() string {
	return "plan"
}

// Synopsis implements subcommands.Command.
func (*Plan) Synopsis() string {
	return "validates a memory configuration and prints the region layout it produces"
}

// Usage implements subcommands.Command.
func (*Plan) Usage() string {
	return `plan -config <file.toml>`
}

// SetFlags implements subcommands.Command.
func (p *Plan) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.configFile, "config", "", "path to the memory configuration file.")
}

// Execute implements subcommands.Command.Execute.
func (p *Plan) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if p.configFile == "" {
		fmt.Fprintln(os.Stderr, "plan: -config is required")
		return subcommands.ExitUsageError
	}
	var pc planConfig
	if _, err := toml.DecodeFile(p.configFile, &pc); err != nil {
		fmt.Fprintf(os.Stderr, "plan: cannot load %s: %v\n", p.configFile, err)
		return subcommands.ExitFailure
	}
	cfg, err := pc.memoryConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		return subcommands.ExitFailure
	}

	mode, err := guestmem.SelectBacking(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: configuration rejected: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("backing mode: %v (page size %d)\n", mode, mode.PageSize())
	fmt.Printf("%-18s %-12s\n", "GUEST OFFSET", "SIZE")
	for _, span := range guestmem.ArchSpans(cfg.TotalSize) {
		fmt.Printf("%#-18x %-12d\n", span.GuestOffset, span.Size)
	}
	return subcommands.ExitSuccess
}
