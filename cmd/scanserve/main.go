package main

import "github.com/scanserve/scanserve/cmd/scanserve/cmd"

func main() {
	cmd.Execute()
}
