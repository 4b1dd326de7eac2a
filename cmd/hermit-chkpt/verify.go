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
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/mig"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
)

// verifyCmd implements subcommands.Command for the "verify" command.
type verifyCmd struct{}

// Name implements subcommands.Command.Name.
func (*verifyCmd) Name() string { return "verify" }

// Synopsis implements subcommands.Command.Synopsis.
func (*verifyCmd) Synopsis() string { return "check a checkpoint set for resumability" }

// Usage implements subcommands.Command.Usage.
func (*verifyCmd) Usage() string {
	return `verify - check that the checkpoint set is complete enough to resume.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*verifyCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*verifyCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	dir := args[0].(string)

	var md mdata.Record
	if err := md.Load(fs.NewHost(dir), mdata.StreamName); err != nil {
		fmt.Printf("no resumable metadata: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := md.CheckComplete(); err != nil {
		fmt.Printf("metadata: %v\n", err)
		return subcommands.ExitFailure
	}

	tasks := md.TaskList()
	if len(tasks) == 0 {
		fmt.Println("metadata lists no threads")
		return subcommands.ExitFailure
	}

	// Every listed tid must have a full-size stack blob, and a TLS blob
	// when the image carries TLS.
	var g errgroup.Group
	for _, tid := range tasks {
		tid := tid
		g.Go(func() error {
			st, err := os.Stat(filepath.Join(dir, mig.StackStream(tid)))
			if err != nil {
				return fmt.Errorf("tid %d: %w", tid, err)
			}
			if st.Size() != stackslots.DefaultStackSize {
				return fmt.Errorf("tid %d: stack is %d bytes, want %d",
					tid, st.Size(), stackslots.DefaultStackSize)
			}
			if md.TLSSize > 0 {
				st, err := os.Stat(filepath.Join(dir, mig.TLSStream(tid)))
				if err != nil {
					return fmt.Errorf("tid %d: %w", tid, err)
				}
				if st.Size() != int64(md.TLSSize) {
					return fmt.Errorf("tid %d: tls is %d bytes, want %d",
						tid, st.Size(), md.TLSSize)
				}
			}
			return nil
		})
	}
	for _, name := range []string{mig.BssStream, mig.DataStream, mig.FdsStream} {
		name := name
		g.Go(func() error {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("checkpoint set incomplete: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("checkpoint set ok: %d threads, heap %#x bytes at %#x\n",
		len(tasks), md.HeapSize, md.HeapStart)
	return subcommands.ExitSuccess
}
