package main

import "github.com/strand-protocol/strand/curvecp/cmd"

func main() {
	cmd.Execute()
}
