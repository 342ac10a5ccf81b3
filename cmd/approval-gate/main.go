package main

import "github.com/davarch/approval-gate/cmd/approval-gate/cli"

func main() {
	cli.Execute()
}
