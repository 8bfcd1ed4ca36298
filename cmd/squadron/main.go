// Command squadron is the GitHub-native agent orchestration service's
// entrypoint. See internal/cli for the subcommands (serve, recover,
// version).
package main

import (
	"fmt"
	"os"

	"github.com/nbaertsch/squadron/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
