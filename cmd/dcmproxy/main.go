package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newCLIApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
