package main

import (
	"os"

	"github.com/substratehq/substrate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
