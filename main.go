package main

import "github.com/convey-ci/convey/cmd"

func main() {
	cmd.Execute()
}
