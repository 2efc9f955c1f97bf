package main

import "github.com/uesteibar/opsdeck/internal/commands"

var version = "dev"

func main() {
	commands.Execute(version)
}
