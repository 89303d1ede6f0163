package main

import "github.com/brensch/prismparquet/cmd"

func main() {
	cmd.Execute()
}
