package main

import (
	"os"

	"github.com/iti/atmnet/cmd/atmsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
