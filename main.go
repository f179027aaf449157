package main

import "github.com/liuxd6825/cdpcore/cmd"

func main() {
	cmd.Execute()
}
