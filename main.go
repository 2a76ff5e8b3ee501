package main

import "vidbatch/cmd"

func main() {
	cmd.Run()
}
