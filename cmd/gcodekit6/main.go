package main

import "github.com/thawkins/gcodekit6/internal/cli"

func main() {
	cli.Execute()
}
