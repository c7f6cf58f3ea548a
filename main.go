package main

import "github.com/cloudbroker/adfscreds/cmd"

func main() {
	cmd.Execute()
}
