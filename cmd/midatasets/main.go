package main

import (
	"context"
	"os"

	"midatasets/pkg/cli"
)

func main() {
	code, _ := cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}
