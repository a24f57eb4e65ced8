package main

import "github.com/willothy/recomp/cmd/recomp/commands"

func main() {
	commands.Execute()
}
