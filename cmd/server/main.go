package main

import "github.com/t77yq/repeated-alarm/internal/cli"

func main() {
	cli.Execute()
}
