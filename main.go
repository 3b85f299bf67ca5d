package main

import (
	"os"

	"apitelemetry/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(cli.ExitCode(cli.Run(version)))
}
