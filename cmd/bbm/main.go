package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/tigrisdata/bbm/migrator"
)

func main() {
	if err := migrator.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
