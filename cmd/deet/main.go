package main

import (
	"os"

	"github.com/deetdbg/deet/cmd/deet/cmds"
	"github.com/deetdbg/deet/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DeetVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
