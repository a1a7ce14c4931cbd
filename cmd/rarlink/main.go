package main

import "github.com/javi11/rarlink/cmd/rarlink/cmd"

func main() {
	cmd.Execute()
}
