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

	"github.com/google/subcommands"

	"github.com/roypat/firecracker/pkg/guestmem"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct{}

// Name implements subcommands.Command.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.
func (*Inspect) Synopsis() string {
	return "decodes a layout snapshot file and prints its region records"
}

// Usage implements subcommands.Command.
func (*Inspect) Usage() string {
	return `inspect <snapshot-file>`
}

// SetFlags implements subcommands.Command.
func (*Inspect) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "inspect: exactly one snapshot file is required")
		return subcommands.ExitUsageError
	}
	in, err := os.Open(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return subcommands.ExitFailure
	}
	defer in.Close()

	snap, err := guestmem.LoadSnapshot(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("total size: %d bytes, %d region(s)\n", snap.TotalSize, len(snap.Records))
	fmt.Printf("%-18s %-14s %s\n", "GUEST OFFSET", "SIZE", "MODE")
	for _, r := range snap.Records {
		fmt.Printf("%#-18x %-14d %v\n", r.GuestOffset, r.Size, r.Mode)
	}
	return subcommands.ExitSuccess
}
