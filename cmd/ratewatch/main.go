package main

import "rate-watch/internal/cli"

func main() {
	cli.Execute()
}
