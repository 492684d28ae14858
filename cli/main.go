package main

import (
	"os"

	"github.com/inboxrelay/relay/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
