package main

import (
	"os"

	"github.com/j-r-jones/dragon/cmd/flictl/commands"
)

var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
