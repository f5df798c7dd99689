package main

import (
	"os"

	"github.com/gustycube/sslinspect/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
