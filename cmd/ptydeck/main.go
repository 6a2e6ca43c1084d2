package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Build information injected at build time via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

const tagline = "Run and drive many interactive terminal sessions from one place"

func versionInfo() string {
	return fmt.Sprintf("ptydeck %s (commit: %s, built: %s)", Version, Commit, Date)
}

func main() {
	initColorProfile()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ptydeck"),
		kong.Description(tagline),
		kong.Vars{"version": versionInfo()},
		kong.UsageOnError(),
		kong.Bind(&cli),
	)
	defer cli.Close()

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cli.Close()
		os.Exit(1)
	}
}
