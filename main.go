package main

import "github.com/liuxd6825/k6bidi/cmd"

func main() {
	cmd.Execute()
}
