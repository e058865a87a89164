package main

import (
	"os"

	"rag.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
