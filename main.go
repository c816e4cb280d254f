package main

import "github.com/arena-platform/arena-deploy/cli"

func main() {
	cli.Execute()
}
