package main

import (
	"os"

	"github.com/koltyakov/edgeman/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
