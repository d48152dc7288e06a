package main

import "github.com/jmehdipour/jobengine/cmd"

func main() {
	cmd.Execute()
}
