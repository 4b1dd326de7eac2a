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

// hermit-chkpt inspects a checkpoint file set on the storage shared
// between migration source and target.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(infoCmd), "")
	subcommands.Register(new(fdsCmd), "")
	subcommands.Register(new(verifyCmd), "")

	dir := flag.String("dir", ".", "checkpoint directory")
	flag.Parse()

	// The source may still be writing the set; take the same lock the
	// VMM holds while serialising.
	lock := flock.New(filepath.Join(*dir, ".chkpt.lock"))
	if err := lock.Lock(); err != nil {
		fatalf("locking %s: %v", *dir, err)
	}
	defer lock.Unlock()

	os.Exit(int(subcommands.Execute(context.Background(), *dir)))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
