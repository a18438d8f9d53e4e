package main

import "github.com/fragmesh/stornode/internal/cli"

func main() {
	cli.Execute()
}
