package main

import "github.com/CosmoTheDev/cratetracker/cmd"

func main() {
	cmd.Execute()
}
