package main

import (
	"os"

	"github.com/crowsnest-security/crowsnest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
