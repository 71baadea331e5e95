package main

import "opsdesk/cmd/cli"

func main() {
	cli.Execute()
}
