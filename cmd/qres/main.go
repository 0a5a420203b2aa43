package main

import (
	"os"

	"github.com/CavinKrenik/QRES-RaaS/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
