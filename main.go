package main

import "github.com/relaybird/syncd/cmd"

func main() {
	cmd.Execute()
}
