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
	"github.com/roypat/firecracker/pkg/hostmem"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct{}

// Name implements subcommands.Command.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.
func (*Probe) Synopsis() string {
	return "reports the host's 2 MiB huge page pool state"
}

// Usage implements subcommands.Command.
func (*Probe) Usage() string {
	return `probe`
}

// SetFlags implements subcommands.Command.
func (*Probe) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Probe) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	info, err := hostmem.NewSysfsPool().Info(guestmem.HugePageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return subcommands.ExitFailure
	}
	if !info.Configured() {
		fmt.Println("no 2 MiB huge page pool is provisioned; huge_pages_2m backing will not work")
		return subcommands.ExitSuccess
	}
	fmt.Printf("pool page size:  %d\n", info.PageSize)
	fmt.Printf("reserved pages:  %d (%d bytes)\n", info.TotalPages, info.TotalPages*info.PageSize)
	fmt.Printf("free pages:      %d (%d bytes)\n", info.FreePages, info.FreeBytes())
	fmt.Println("note: reservation is lazy; free pages can be gone by the time guest memory is touched")
	return subcommands.ExitSuccess
}
