package main

import (
	"fmt"
	"os"

	"github.com/dhcgn/mail-archive/cmd"
)

func main() {
	rootCmd, err := cmd.NewRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
