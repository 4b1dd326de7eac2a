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
	"github.com/ssrg-vt/HermitCore/pkg/mig"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fdtable"
)

// fdsCmd implements subcommands.Command for the "fds" command.
type fdsCmd struct{}

// Name implements subcommands.Command.Name.
func (*fdsCmd) Name() string { return "fds" }

// Synopsis implements subcommands.Command.Synopsis.
func (*fdsCmd) Synopsis() string { return "list checkpointed file descriptors" }

// Usage implements subcommands.Command.Usage.
func (*fdsCmd) Usage() string {
	return `fds - list the file-descriptor records of the checkpoint set.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*fdsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*fdsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	dir := args[0].(string)

	records, err := fdtable.ReadRecords(fs.NewHost(dir), mig.FdsStream)
	if err != nil {
		fmt.Printf("cannot read fd records: %v\n", err)
		return subcommands.ExitFailure
	}

	for _, r := range records {
		fmt.Printf("fd %-3d offset %#-10x %s\n", r.AppFD, r.Offset, r.Path)
	}
	fmt.Printf("%d descriptors\n", len(records))
	return subcommands.ExitSuccess
}
