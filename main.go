package main

import "speedprobe/cmd"

func main() {
	cmd.Execute()
}
