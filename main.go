package main

import "github.com/drgolem/streamsync/cmd"

func main() {
	cmd.Execute()
}
