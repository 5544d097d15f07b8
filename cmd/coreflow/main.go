package main

import (
	"fmt"
	"os"

	"github.com/coreflowhq/coreflow/internal/cli"
	"github.com/coreflowhq/coreflow/internal/examplejobs"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/scheduler"
)

// register wires the job handlers and scheduled classes this binary ships
// with. A real deployment replaces this with its own job package.
func register(reg *registry.Registry, sch *scheduler.Scheduler) error {
	for _, h := range []registry.Handler{
		examplejobs.Echo{},
		examplejobs.Sleep{},
		examplejobs.FlakyOnce{},
		examplejobs.AlwaysFails{},
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	root := cli.BuildCLI(register)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
