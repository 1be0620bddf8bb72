package main

import "bulkops/cmd"

func main() {
	cmd.Run()
}
