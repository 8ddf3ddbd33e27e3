package main

import (
	"os"

	"github.com/mohammedshuaau/workplace/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
