package main

import "github.com/viewin/viewin-agent/cmd"

func main() {
	cmd.Execute()
}
