package main

import "github.com/stakpak/agentd/cmd"

func main() {
	cmd.Execute()
}
