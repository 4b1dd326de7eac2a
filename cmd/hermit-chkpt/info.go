// Copyright 2018 The HermitCore Authors.
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

	"github.com/google/subcommands"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
)

// infoCmd implements subcommands.Command for the "info" command.
type infoCmd struct{}

// Name implements subcommands.Command.Name.
func (*infoCmd) Name() string { return "info" }

// Synopsis implements subcommands.Command.Synopsis.
func (*infoCmd) Synopsis() string { return "dump checkpoint metadata" }

// Usage implements subcommands.Command.Usage.
func (*infoCmd) Usage() string {
	return `info - print the metadata record of the checkpoint set.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*infoCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*infoCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	dir := args[0].(string)

	var md mdata.Record
	if err := md.Load(fs.NewHost(dir), mdata.StreamName); err != nil {
		fmt.Printf("cannot read metadata: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("resume ip:    %#x\n", md.IP)
	fmt.Printf("bss size:     %#x\n", md.BssSize)
	fmt.Printf("data size:    %#x\n", md.DataSize)
	fmt.Printf("heap start:   %#x\n", md.HeapStart)
	fmt.Printf("heap size:    %#x\n", md.HeapSize)
	fmt.Printf("tls size:     %#x\n", md.TLSSize)
	fmt.Printf("popcorn regs: %v\n", md.PopcornRegsValid != 0)

	tasks := md.TaskList()
	fmt.Printf("threads (%d, primary first):\n", len(tasks))
	for _, tid := range tasks {
		fmt.Printf("  tid %-3d stack %#x, sp offset %#x\n",
			tid, md.StackBase[tid], md.StackOffset[tid])
	}
	return subcommands.ExitSuccess
}
