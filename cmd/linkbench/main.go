package main

import (
	"os"

	"github.com/malbeclabs/linkbench/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	code := cli.Run(cli.BuildInfo{Version: version, Commit: commit, Date: date}, os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(int(code))
}
