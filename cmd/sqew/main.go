package main

import (
	"os"

	"github.com/sqew/sqew/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
