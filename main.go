package main

import "github.com/0w0mewo/flexlink-cli/cmd"

func main() {
	cmd.Execute()
}
