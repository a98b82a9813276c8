package main

import "github.com/Bharat940/discord-copilot-with-dashboard/cmd"

func main() {
	cmd.Execute()
}
