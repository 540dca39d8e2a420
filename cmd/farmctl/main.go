package main

import (
	"os"

	"github.com/psantana5/printfarm/cmd/farmctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
