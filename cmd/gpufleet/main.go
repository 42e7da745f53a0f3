package main

import "gpufleet/internal/cli"

func main() {
	cli.Execute()
}
