package main

import (
	"fmt"
	"os"

	"github.com/schererja/starfish/internal/cli"
)

func main() {
	if err := cli.NewWorkerCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
