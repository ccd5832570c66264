package main

import (
	"os"

	"taxiflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
