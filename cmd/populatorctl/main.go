package main

import "github.com/charhub/populator/internal/cli"

func main() {
	cli.Execute()
}
