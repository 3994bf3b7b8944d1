package main

import (
	"os"
	_ "time/tzdata"

	"clinic-scheduler/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
