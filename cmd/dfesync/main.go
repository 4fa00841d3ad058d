package main

import "github.com/vietddude/dfesync/internal/cli"

func main() {
	cli.Execute()
}
