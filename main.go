package main

import "github.com/gaslessbase/gasless-relay/cmd"

func main() {
	cmd.Execute()
}
